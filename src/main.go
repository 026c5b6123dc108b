package main

import (
	"fmt"
	"os"

	"me.sttot/cert-reconciler/src/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
