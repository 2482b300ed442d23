package main

import (
	"os"

	"github.com/quantrove/upbot/cmd/upbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
