// Package agent parses agent service flags and launches the service.
package agent

import (
	"context"
	"flag"

	server "github.com/threadline/pivot/internal/app"
	entrypoint "github.com/threadline/pivot/internal/platform/cmd"
)

// Config holds agent command configuration.
type Config struct {
	InboundPort int `env:"PIVOT_AGENT_INBOUND_PORT" envDefault:"8040"`
	AdminPort   int `env:"PIVOT_AGENT_ADMIN_PORT" envDefault:"8041"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.InboundPort, "inbound-port", cfg.InboundPort, "The peer-facing message port")
	fs.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "The controller-facing admin API port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the agent service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAgent, func(context.Context) error {
		return server.Run(ctx, cfg.InboundPort, cfg.AdminPort)
	})
}
