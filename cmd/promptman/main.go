package main

import (
	"os"

	"github.com/promptman/promptman/cmd/promptman/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
