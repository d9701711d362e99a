package main

import (
	"context"
	"fmt"
	"os"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %s\n", err.Error()) // nolint:forbidigo
		os.Exit(1)
	}
}
