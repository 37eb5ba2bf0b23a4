package engine

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("leaf1.example.com")
			defer unlock()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Equal(t, 0, km.size())

	a := km.Lock("a")
	b := km.Lock("b")
	assert.Equal(t, 2, km.size())
	a()
	b()
	assert.Equal(t, 0, km.size())
}

func TestWorkspace(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	a1, err := ws.NewArena()
	require.NoError(t, err)
	a2, err := ws.NewArena()
	require.NoError(t, err)
	assert.NotEqual(t, a1.Dir, a2.Dir)
	assert.DirExists(t, a1.Dir)
	require.NoError(t, a1.Remove())
	assert.NoDirExists(t, a1.Dir)

	exists, err := ws.ArchiveExists("Root-A")
	require.NoError(t, err)
	assert.False(t, exists)

	dir, err := ws.CreateArchive("Root-A")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	exists, err = ws.ArchiveExists("Root-A")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = ws.CreateArchive("Root-A")
	assert.ErrorIs(t, err, ErrArchiveConflict)

	_, err = NewWorkspace("")
	assert.Error(t, err)
}

func TestValidateCommonName(t *testing.T) {
	for _, cn := range []string{"Root-A", "leaf1.example.com", "My CA (2026)"} {
		assert.NoError(t, validateCommonName(cn), cn)
	}
	long := make([]byte, MaxCommonNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	for _, cn := range []string{"", ".", "..", "a/b", "a\\b", "tab\there", string(long)} {
		assert.ErrorIs(t, validateCommonName(cn), ErrValidationFailure, cn)
	}
}

func TestFinishKeepsArenaOnFailure(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	env := &Env{Workspace: ws, Logger: discardLogger()}

	failed, err := ws.NewArena()
	require.NoError(t, err)
	env.finish(failed, "issue", ErrSigningFailure)
	_, err = os.Stat(failed.Dir)
	assert.NoError(t, err)

	ok, err := ws.NewArena()
	require.NoError(t, err)
	env.finish(ok, "issue", nil)
	assert.NoDirExists(t, ok.Dir)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
