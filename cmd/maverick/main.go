package main

import (
	"os"

	"github.com/get2knowio/maverick-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
