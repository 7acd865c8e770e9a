package main

import (
	"os"

	"github.com/deckhand-ops/deckhand/cmd/deckhand/cli/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
