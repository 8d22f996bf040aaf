package main

import (
	"os"

	"github.com/devicelab-dev/simfleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
