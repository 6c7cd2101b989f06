package main

import (
	"os"

	"github.com/loadgentool/loadgen/cmd/loadgen/cmd"
	"github.com/loadgentool/loadgen/internal/common/logging"
)

// Config is handled by cmd/root.go
func main() {
	logging.ConfigureCliLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
