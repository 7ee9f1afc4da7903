package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bainianlaoyao/switchboard/internal/config"
	"github.com/bainianlaoyao/switchboard/internal/inbox"
	"github.com/bainianlaoyao/switchboard/internal/inbox/discord"
	"github.com/bainianlaoyao/switchboard/internal/inbox/slack"
	"github.com/bainianlaoyao/switchboard/internal/journal"
	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/bainianlaoyao/switchboard/internal/runtime"
	"github.com/bainianlaoyao/switchboard/internal/server"
	"github.com/bainianlaoyao/switchboard/internal/session"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard server",
		Long:  "Runs the session engine: REST and inbox surfaces, the SSE feed, and the websocket live channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port <= 0 {
		port = cfg.Server.Port
	}

	jrnl, err := journal.New(gormDB, journal.Opts{PayloadPreview: cfg.Session.PayloadPreview})
	if err != nil {
		return err
	}

	rt := runtime.NewSubprocess(runtime.SubprocessOpts{
		Binary:  cfg.Runtime.Binary,
		WorkDir: cfg.Runtime.WorkDir,
		DB:      gormDB,
	})

	fan, err := buildNotifiers(cmd, cfg, gormDB)
	if err != nil {
		return err
	}
	defer fan.Close()

	reg, err := session.NewRegistry(session.RegistryOpts{
		DB:               gormDB,
		Journal:          jrnl,
		Runtime:          rt,
		Notify:           fan,
		AgentID:          cfg.AgentID,
		QueueCapacity:    cfg.Session.QueueCapacity,
		SendBuffer:       cfg.Session.SendBuffer,
		QuestionDeadline: cfg.Session.QuestionDeadlineDuration(),
		IdleTimeout:      cfg.Session.IdleTimeoutDuration(),
	})
	if err != nil {
		return err
	}
	reg.StartSweeper()
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Chat thread replies answer questions through the same worker
	// path as the REST inbox.
	err = fan.Listen(ctx, func(_ context.Context, item *models.InboxItem, answer, answeredBy string) error {
		w, err := reg.Get(item.ConversationID)
		if err != nil {
			return err
		}
		return w.Answer(item.QuestionID, answer, answeredBy)
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return server.Start(ctx, server.StartOpts{
		DB:          gormDB,
		Registry:    reg,
		Journal:     jrnl,
		Port:        port,
		ChatEnabled: cfg.Server.ChatEnabled,
		Out:         cmd.OutOrStdout(),
	})
}

// buildNotifiers wires every chat platform with credentials configured.
func buildNotifiers(cmd *cobra.Command, cfg *config.Config, gormDB *gorm.DB) (*inbox.Fanout, error) {
	var notifiers []inbox.Notifier

	if cfg.Notify.Slack.BotToken != "" {
		n, err := slack.New(slack.Opts{
			BotToken:  cfg.Notify.Slack.BotToken,
			AppToken:  cfg.Notify.Slack.AppToken,
			ChannelID: cfg.Notify.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
		fmt.Fprintln(cmd.OutOrStdout(), "Slack notifier enabled")
	}

	if cfg.Notify.Discord.BotToken != "" {
		n, err := discord.New(discord.Opts{
			BotToken:  cfg.Notify.Discord.BotToken,
			ChannelID: cfg.Notify.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
		fmt.Fprintln(cmd.OutOrStdout(), "Discord notifier enabled")
	}

	return inbox.NewFanout(gormDB, notifiers...), nil
}
