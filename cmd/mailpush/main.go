// Package main is the entry point for the mailpush service.
package main

import (
	"fmt"
	"os"

	"mailpush/cmd/mailpush/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
