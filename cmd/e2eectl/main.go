package main

import (
	"os"

	"github.com/dmitrijs2005/securemsg/cmd/e2eectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
