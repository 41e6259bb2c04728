// Tapagent - headless tap-to-pay point-of-sale agent
package main

import (
	"context"
	"os"

	"github.com/mbd888/tapagent/internal/agent"
	"github.com/mbd888/tapagent/internal/config"
	"github.com/mbd888/tapagent/internal/logging"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tapagent",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"simulated_reader", cfg.SimulatedReader,
	)

	a, err := agent.New(cfg, agent.WithLogger(logging.New(cfg.LogLevel, "json")))
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := a.Run(ctx); err != nil {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}
}
