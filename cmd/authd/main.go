package main

import (
	"os"

	"authcore/internal/app"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = app.Version

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
