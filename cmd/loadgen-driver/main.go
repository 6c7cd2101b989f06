package main

import (
	"os"

	"github.com/loadgentool/loadgen/cmd/loadgen-driver/cmd"
	"github.com/loadgentool/loadgen/internal/common/logging"
)

func main() {
	logging.ConfigureCliLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
