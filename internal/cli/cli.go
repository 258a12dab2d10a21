// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/jeranaias/rigrun-agentd/internal/config"
	"github.com/jeranaias/rigrun-agentd/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// loadConfig reads the configuration named by --config, or the default
// location, and applies logging flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	return cfg, nil
}

func (o *globalOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Level, resolveLogFormat(cfg.Logging.Format, isStderrTerminal()))
}

// resolveLogFormat maps "auto" to console output on a terminal and JSON
// otherwise.
func resolveLogFormat(format string, tty bool) string {
	if !strings.EqualFold(format, "auto") {
		return format
	}
	if tty {
		return "console"
	}
	return "json"
}

func isStderrTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// Execute runs the agentd command tree.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the agentd command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Effort-routed agent service",
		Long: "agentd classifies each query by complexity, picks an execution strategy, " +
			"and answers directly, with tools, or through an expert consultation.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.agentd/config.toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json, console, or auto")

	root.AddCommand(
		newServeCmd(opts),
		newClassifyCmd(opts),
		newToolsCmd(opts),
		newPersonasCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "agentd version %s\n  Git commit: %s\n  Build date: %s\n",
				Version, GitCommit, BuildDate)
			return err
		},
	}
}

// writeJSON pretty-prints v.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
