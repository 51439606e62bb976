package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/pvieira/mercurio/internal/config"
	"github.com/pvieira/mercurio/internal/daemon"
	"github.com/pvieira/mercurio/internal/node"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.mercurio/config.toml)")
	nodeFlag := flag.String("node", "", "node id (used when no config file exists)")
	flag.Parse()

	cfg, err := resolveConfig(*configFlag, *nodeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !node.ValidName(cfg.NodeID) {
		fmt.Fprintf(os.Stderr, "error: invalid node id %q\n", cfg.NodeID)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}

func resolveConfig(path, nodeID string) (*config.Config, error) {
	if path == "" {
		path = node.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if nodeID != "" {
			cfg.NodeID = nodeID
		}
		return cfg, nil
	}
	if nodeID == "" {
		return nil, fmt.Errorf("no config at %s and no --node given", path)
	}
	return config.Default(nodeID), nil
}
