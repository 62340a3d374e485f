package main

import (
	"os"

	"folio/api/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
