package main

import (
	"context"
	"os"

	"github.com/dukex/nodeflow/pkg/cache"
	"github.com/dukex/nodeflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := append(cmd.CommonFlags(),
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Value:   "",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Usage:   "Age after which a cached definition is refreshed in the background",
			Value:   cache.DefaultRefreshAfter,
			Sources: cli.EnvVars("CACHE_TTL"),
		},
		&cli.IntFlag{
			Name:    "cache-size",
			Usage:   "Definitions kept per entity cache",
			Value:   cache.DefaultMaxSize,
			Sources: cli.EnvVars("CACHE_SIZE"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringSliceFlag{
			Name:    "client-token",
			Usage:   "Bearer token for a target client of HTTP nodes, as client=token",
			Sources: cli.EnvVars("CLIENT_TOKENS"),
		},
	)

	command := &cli.Command{
		Name:                  "nodeflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Run node workflows and their activities",
		Flags:                 flags,
		Action:                run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
