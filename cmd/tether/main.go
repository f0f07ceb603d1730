package main

import (
	"context"
	"os"

	"github.com/ymgch/tether/internal/cli"
	"github.com/ymgch/tether/internal/config"
)

func main() {
	cfg := config.Default()
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
