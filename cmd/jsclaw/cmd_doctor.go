package main

import (
	"fmt"
	"os"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/doctor"
	"github.com/urfave/cli/v2"
)

var doctorCommand = &cli.Command{
	Name:  "doctor",
	Usage: "Run host diagnostics and inspect leftover agent containers",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "reap",
			Usage: "remove leftover agent containers",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return cli.Exit("failed to load config: "+err.Error(), 1)
		}

		out := NewOutputWriter(c.Bool("json"), os.Stdout)

		d := doctor.New(cfg)
		d.RunChecks()

		if c.Bool("json") {
			if err := out.Write(d.Results(), nil); err != nil {
				return cli.Exit(err.Error(), 1)
			}
		} else {
			for _, check := range d.Results() {
				fmt.Fprintf(os.Stdout, "%s %s: %s\n", checkIcon(check), check.Name, check.Message)
			}
		}

		if c.Bool("reap") {
			removed, err := d.ReapOrphans()
			if err != nil {
				return cli.Exit("reap failed: "+err.Error(), 1)
			}
			fmt.Fprintf(os.Stdout, "\nRemoved %d leftover containers.\n", len(removed))
		} else if cfg.Runtime == config.RuntimeDocker {
			orphans, err := d.Orphans()
			if err != nil {
				fmt.Fprintf(os.Stdout, "\nOrphan inspection unavailable: %v\n", err)
			} else if len(orphans) > 0 {
				fmt.Fprintf(os.Stdout, "\n%d leftover containers (run with --reap to remove):\n", len(orphans))
				for _, o := range orphans {
					fmt.Fprintf(os.Stdout, "  %s %s (%s)\n", o.ID, o.Name, o.State)
				}
			}
		}

		if d.HasErrors() {
			return cli.Exit("\nSome checks failed.", 1)
		}

		if !c.Bool("json") {
			fmt.Fprintln(os.Stdout, "\nAll checks passed.")
		}
		return nil
	},
}

func checkIcon(check doctor.CheckResult) string {
	switch {
	case !check.Passed:
		return "[XX]"
	case check.Warning:
		return "[!!]"
	default:
		return "[OK]"
	}
}
