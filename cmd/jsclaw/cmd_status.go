package main

import (
	"fmt"
	"strconv"

	"github.com/jsclaw/jsclaw/internal/protocol"
	"github.com/urfave/cli/v2"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show group queue states from a running orchestrator",
	Action: func(c *cli.Context) error {
		client := NewAdminClient(c.String("server"))
		out := NewOutputWriter(c.Bool("json"), c.App.Writer)

		var statuses []protocol.GroupStatus
		if err := client.Get("/api/groups", &statuses); err != nil {
			return cli.Exit(err.Error(), 1)
		}

		return out.Write(statuses, func() ([]string, [][]string) {
			headers := []string{"JID", "FOLDER", "PROCESSING", "QUEUED", "CONTAINER"}
			rows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				container := s.ContainerName
				if container == "" {
					container = "-"
				}
				rows = append(rows, []string{
					s.JID,
					s.Folder,
					fmt.Sprintf("%t", s.Processing),
					strconv.Itoa(s.QueueDepth),
					container,
				})
			}
			return headers, rows
		})
	},
}
