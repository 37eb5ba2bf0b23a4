package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ___                 ____  _  _____ 
 |_ _|_ __ ___  _ __ |  _ \| |/ /_ _|
  | || '__/ _ \| '_ \| |_) | ' / | | 
  | || | | (_) | | | |  __/| . \ | | 
 |___|_|  \___/|_| |_|_|   |_|\_\___|
                                     
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  PKI Lifecycle Service - Version %s\x1b[0m\n\n", Version)
}
