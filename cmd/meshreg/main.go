package main

import (
	"os"

	"github.com/meshreg/meshreg/cmd/meshreg/commands"
	"github.com/meshreg/meshreg/internal/logger"
)

func main() {
	if err := commands.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
