// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/agent"
	"github.com/jeranaias/rigrun-agentd/internal/router"
)

// =============================================================================
// CLASSIFY
// =============================================================================

func newClassifyCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON   bool
		strategy string
		consult  bool
		noTools  bool
	)
	cmd := &cobra.Command{
		Use:   "classify <query...>",
		Short: "Show how a query would be classified and routed",
		Example: `  agentd classify "How many students are enrolled?"
  agentd classify --json "Compare enrollment trends and recommend a plan"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			req := agent.Request{
				Message: strings.Join(args, " "),
				Overrides: router.Overrides{
					ForceStrategy: router.Strategy(strings.ToUpper(strategy)),
					Consult:       consult,
				},
			}
			if noTools {
				off := false
				req.Overrides.EnableTools = &off
			}
			plan, err := agent.Classify(router.New(cfg.Orchestration.MaxRounds), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, plan)
			}
			d := plan.Decision
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Complexity:\t%s (%.2f)\n", plan.Complexity.Level, plan.Complexity.Score)
			fmt.Fprintf(tw, "Strategy:\t%s\n", d.Strategy)
			fmt.Fprintf(tw, "Tier:\t%s\n", d.Tier)
			fmt.Fprintf(tw, "Max rounds:\t%d\n", d.MaxRounds)
			fmt.Fprintf(tw, "Streams:\t%t\n", d.Stream)
			if len(d.DeniedCapabilities) > 0 {
				fmt.Fprintf(tw, "Denied:\t%s\n", strings.Join(d.DeniedCapabilities, ", "))
			}
			fmt.Fprintf(tw, "Reason:\t%s\n", d.Reason)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&strategy, "strategy", "", "force a strategy, e.g. FULL_ORCHESTRATION")
	cmd.Flags().BoolVar(&consult, "consult", false, "request expert consultation")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "disable tool use")
	return cmd
}

// =============================================================================
// TOOLS AND PERSONAS
// =============================================================================

// inspectRuntime wires the service with a mock model. Inspection never
// calls a model, so no provider configuration is needed.
func inspectRuntime(opts *globalOptions) (*agent.Runtime, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Provider.Type = "mock"
	return agent.Build(cfg, zap.NewNop())
}

func newToolsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := inspectRuntime(opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.Close(); err == nil {
					err = cerr
				}
			}()

			defs := rt.Service.Tools().List()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, defs)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCAPABILITIES\tDESCRIPTION")
			for _, d := range defs {
				caps := strings.Join(d.RequiredCapabilities, ",")
				if caps == "" {
					caps = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, caps, d.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func newPersonasCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON bool
		domain string
	)
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List the consultation personas",
		Example: `  agentd personas
  agentd personas --domain education`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := inspectRuntime(opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.Close(); err == nil {
					err = cerr
				}
			}()

			entries := rt.Service.Personas(domain)
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				_, err := fmt.Fprintf(out, "No personas for domain %q\n", domain)
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDOMAIN\tCAPABILITIES")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Domain, strings.Join(e.Capabilities, ", "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&domain, "domain", "", "only personas serving this domain")
	return cmd
}
