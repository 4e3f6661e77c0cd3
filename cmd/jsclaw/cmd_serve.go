package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jsclaw/jsclaw/internal/admin"
	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/metrics"
	"github.com/jsclaw/jsclaw/internal/orchestrator"
	"github.com/jsclaw/jsclaw/internal/protocol"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Start the orchestrator",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return cli.Exit("failed to load config: "+err.Error(), 1)
		}

		log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
		m := metrics.New("jsclaw")

		collab := &fileCollaborators{cfg: cfg, log: log}
		orch := orchestrator.New(cfg, log, m, collab)

		if err := orch.Start(); err != nil {
			return cli.Exit("failed to start orchestrator: "+err.Error(), 1)
		}

		var adminSrv *admin.Server
		if cfg.Admin.Enabled {
			adminSrv = admin.NewServer(cfg, log, orch)
			go func() {
				log.Info("admin server starting", "port", cfg.Admin.Port)
				if err := adminSrv.Start(); err != nil {
					log.Fatal("admin server error", "error", err)
				}
			}()
		}

		log.Info("orchestrator started",
			"runtime", cfg.Runtime, "image", cfg.ContainerImage,
			"max_concurrent", cfg.MaxConcurrent)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		orch.Shutdown(10 * time.Second)
		if adminSrv != nil {
			if err := adminSrv.Shutdown(); err != nil {
				log.Warn("admin shutdown error", "error", err)
			}
		}

		return nil
	},
}

// fileCollaborators is the standalone binary's collaborator set. Chat
// delivery and task persistence are external concerns, so outbound
// messages are logged and task directives appended to a journal; the
// group registry is re-read from groups.json on every tick.
type fileCollaborators struct {
	cfg *config.Config
	log logging.Logger
}

func (f *fileCollaborators) ProcessMessages(jid string) (bool, error) {
	// No chat backend is wired into the standalone binary.
	f.log.Debug("message check ignored, no chat adapter", "jid", jid)
	return false, nil
}

func (f *fileCollaborators) SendMessage(jid, text, sender string) error {
	f.log.Info("outbound message", "jid", jid, "sender", sender, "text", text)
	return nil
}

func (f *fileCollaborators) OnTask(taskType string, data json.RawMessage, sourceGroup string, isMain bool) error {
	record, err := json.Marshal(map[string]any{
		"type":         taskType,
		"data":         data,
		"source_group": sourceGroup,
		"is_main":      isMain,
		"received_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	path := filepath.Join(f.cfg.DataDir, "tasks.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(append(record, '\n'))
	return err
}

func (f *fileCollaborators) RegisteredGroups() map[string]protocol.RegisteredGroup {
	path := filepath.Join(f.cfg.DataDir, "groups.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Warn("failed to read group registry", "path", path, "error", err)
		}
		return nil
	}

	var groups map[string]protocol.RegisteredGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		f.log.Warn("malformed group registry", "path", path, "error", err)
		return nil
	}
	return groups
}
