package main

import (
	"os"

	"github.com/vnetlab/vnet-sim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
