package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/assistants"
	"github.com/effective-security/mcpagent/callbacks"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/internal/cliutil"
	"github.com/effective-security/mcpagent/pkg/llmfactory"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/xlog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

// DefaultQueries are answered when no query is given
var DefaultQueries = []string{
	"what's (3 + 5) x 12?",
	"what is the weather in NYC?",
}

type runFlags struct {
	model      string
	transcript bool
	stats      bool
	verbose    bool
}

func (c *cli) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [query...]",
		Short: "Answers the queries one after another, the sample queries when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliutil.SignalContext(cmd.Context())
			defer cancel()
			return c.run(ctx, &f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", "preferred model, overrides the agent config")
	fl.BoolVar(&f.transcript, "transcript", false, "print the conversation of each query")
	fl.BoolVar(&f.stats, "stats", false, "print the statistics of each query")
	fl.BoolVar(&f.verbose, "verbose", false, "print the events of the dispatch loop to stderr")
	return cmd
}

func (c *cli) run(ctx context.Context, f *runFlags, queries []string) error {
	cfg, err := config.Load(c.configFile, c.envFiles...)
	if err != nil {
		return err
	}
	if f.model != "" {
		cfg.Agent.Model = f.model
	}

	model, err := newModel(cfg)
	if err != nil {
		return errors.Mark(err, chatmodel.ErrModelBackend)
	}

	r, err := registry.Connect(ctx, cfg.MCPServers, nil)
	if err != nil {
		return err
	}
	defer closeRegistry(r)

	mode := callbacks.ModeDefault
	if f.verbose {
		mode = callbacks.ModeVerbose
	}
	sp := callbacks.NewScratchpad(mode)
	cb := callbacks.NewFanout(sp, callbacks.NewPackageLogger(logger))

	opts := append(cfg.AssistantOptions(), assistants.WithCallback(cb))
	agent := assistants.NewAssistant(model, prompts.NewPromptTemplate(cfg.Agent.SystemPrompt, nil), opts...).
		WithName(cfg.Agent.Name).
		WithTools(r.Tools()...)

	if len(queries) == 0 {
		queries = DefaultQueries
	}
	for _, q := range queries {
		qctx := sp.StartRun(ctx)
		fmt.Fprintf(c.out, "%s %s\n", color.CyanString("Query:"), q)

		res, err := agent.Run(qctx, &assistants.CallInput{Input: q})
		stats, trace := sp.EndRun(qctx)
		if f.verbose {
			_, _ = c.errOut.Write(trace)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(c.out, "%s %s\n", color.GreenString("Answer:"), res.Answer)
		if f.transcript {
			fmt.Fprintln(c.out, color.HiBlackString("Transcript:"))
			llmutils.PrintMessages(c.out, res.Messages)
		}
		if f.stats && stats != nil {
			b, err := yaml.Marshal(stats)
			if err != nil {
				return errors.WithStack(err)
			}
			fmt.Fprintln(c.out, color.HiBlackString("Stats:"))
			_, _ = c.out.Write(b)
		}
	}
	return nil
}

// newModel returns the model of the agent
func newModel(cfg *config.Config) (llms.Model, error) {
	factory := llmfactory.New(&cfg.LLM)
	if cfg.Agent.Model != "" {
		return factory.ModelByName(cfg.Agent.Model)
	}
	return factory.AssistantModel(cfg.Agent.Name)
}

func closeRegistry(r *registry.Registry) {
	if err := r.Close(); err != nil {
		logger.KV(xlog.ERROR, "reason", "close", "err", err.Error())
	}
}
