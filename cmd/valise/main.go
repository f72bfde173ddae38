package main

import (
	"context"
	"os"

	"github.com/valise-backup/valise/cmd"
	"github.com/valise-backup/valise/pkg/vlog"
)

func main() {
	// Interrupts are handled inside the backup command so a first Ctrl-C
	// can stop the pipeline cooperatively instead of killing it mid-mount.
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		vlog.Error(err.Error())
		os.Exit(1)
	}
}
