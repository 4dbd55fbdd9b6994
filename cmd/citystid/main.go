package main

import (
	"os"

	"citystid/internal/ui/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
