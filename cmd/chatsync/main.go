// Package main is the chatsync command.
package main

import (
	"os"

	"github.com/kimhsiao/chatsync/backend/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
