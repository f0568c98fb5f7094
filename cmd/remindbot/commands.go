package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"remindbot/internal/app"
	"remindbot/internal/config"
)

const stopTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, job registry and connection supervisor (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopApp(a, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopApp(a, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func stopApp(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config and print the effective values",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		out := *cfg
		out.Telegram.Token = redact(out.Telegram.Token)
		out.Storage.DSN = redact(out.Storage.DSN)
		out.WhatsApp.DSN = redact(out.WhatsApp.DSN)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

var (
	sendTo   string
	sendText string
	sendWait time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Connect, deliver one message and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		to, err := a.SendOnce(ctx, sendTo, sendText, sendWait)
		reason := app.StopCommandDone
		if err != nil {
			reason = app.StopFatalError
		}
		stopApp(a, reason)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent to", to)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient phone number")
	sendCmd.Flags().StringVar(&sendText, "text", "", "message text")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 60*time.Second, "how long to wait for the connection")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("text")
}
