package uuid

import (
	"testing"
)

func TestNew(t *testing.T) {
	id1 := New()
	id2 := New()

	if len(id1) == 0 {
		t.Error("UUID should not be empty")
	}

	if id1 == id2 {
		t.Error("UUIDs should be unique")
	}
}

func TestValid(t *testing.T) {
	if !Valid(New()) {
		t.Error("generated UUID should be valid")
	}
	if Valid("../etc/passwd") {
		t.Error("path-like string should not be a valid UUID")
	}
}
