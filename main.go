package main

import (
	"os"

	"github.com/emberchat/ember/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
