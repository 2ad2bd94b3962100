package main

import (
	"os"

	"mrireflect/cmd/mrireflect/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
