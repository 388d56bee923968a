package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/discussync/internal/config"
)

type rootOptions struct {
	ConfigPath string
	Project    string
	BaseURL    string
	Token      string
	StoreDSN   string
	StateDir   string
	Verbose    bool

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "discussync",
		Short: "Keep project discussion comments in sync while online or offline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", envOrDefault("DISCUSSYNC_CONFIG", "discussync.yaml"), "YAML config file")
	flags.StringVarP(&opts.Project, "project", "p", "", "project id (defaults to the tracked project)")
	flags.StringVar(&opts.BaseURL, "base-url", "", "discussion API base URL")
	flags.StringVar(&opts.Token, "token", "", "bearer token")
	flags.StringVar(&opts.StoreDSN, "store", "", "operation log DSN (file, bolt, sqlite, postgres, redis, memory)")
	flags.StringVar(&opts.StateDir, "state-dir", "", "directory for local state")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "log sync activity")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newUseCommand(opts))
	cmd.AddCommand(newCommentCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = o.BaseURL
	}
	if flags.Changed("token") {
		cfg.Token = o.Token
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = o.StateDir
		if !flags.Changed("store") {
			cfg.StoreDSN = ""
		}
		cfg.ProjectFile = ""
		cfg.FillDerived()
	}
	if flags.Changed("store") {
		cfg.StoreDSN = o.StoreDSN
	}
	o.cfg = cfg
	return nil
}

// open builds the components for one command. The caller closes the app.
func (o *rootOptions) open(cmd *cobra.Command, extra appOptions) (*app, error) {
	return openApp(o.cfg, o.logger(cmd), extra)
}

func (o *rootOptions) logger(cmd *cobra.Command) *log.Logger {
	if o.Verbose {
		return log.New(cmd.ErrOrStderr(), "discussync: ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
