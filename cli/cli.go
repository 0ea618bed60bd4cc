// Package cli wires the urfave/cli commands to the fx application: one
// command (plus an alias), one fx.New invocation.
package cli

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"claude-rotation-proxy/internal/api"
)

// RunServer starts the rotation proxy server.
func RunServer(c *cli.Context) error {
	configPath := c.String("config")
	return RunServerWithConfig(configPath)
}

// RunServerWithConfig starts the server with the given config file path.
func RunServerWithConfig(configPath string) error {
	app := fx.New(
		fx.Supply(configPath),
		api.APIProviders,
		fx.Invoke(api.StartAPIServer),
	)
	app.Run()
	return nil
}
