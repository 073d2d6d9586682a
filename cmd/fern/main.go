package main

import (
	"os"

	"github.com/Ramsey-B/fern/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
