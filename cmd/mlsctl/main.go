package main

import (
	"os"

	"github.com/suhasHere/mls-engine/cmd/mlsctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
