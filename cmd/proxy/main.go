package main

import (
	"log"
	"os"

	mycli "claude-rotation-proxy/cli"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ccproxy",
		Usage: "Claude API account rotation proxy",
		Commands: []*cli.Command{
			{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Start the rotation proxy server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Value:   "config.yaml",
						Usage:   "Configuration file path",
					},
				},
				Action: mycli.RunServer,
			},
		},
		Action: func(c *cli.Context) error {
			return mycli.RunServerWithConfig("config.yaml")
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
