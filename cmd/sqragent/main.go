package main

import (
	"os"

	"sqragent/cmd/sqragent/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
