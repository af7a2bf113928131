package main

import (
	"os"

	"github.com/andywolf/cyclewarden/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
