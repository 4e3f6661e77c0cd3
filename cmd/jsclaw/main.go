package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "jsclaw",
		Usage: "Container agent orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "configs/jsclaw.yaml",
				Usage: "path to config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "path to .env file (loaded if present)",
			},
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:7430",
				Usage: "admin server URL (status command)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output JSON instead of tables",
			},
		},
		Before: func(c *cli.Context) error {
			// Missing .env is fine; explicit paths that fail to parse are not.
			if err := godotenv.Load(c.String("env-file")); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand,
			doctorCommand,
			statusCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
