package main

import "github.com/jmcleod/ironpki/cmd/ironpki/cmd"

func main() {
	cmd.Execute()
}
