package main

import (
	"context"
	"fmt"

	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/registry"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) toolsCmd() *cobra.Command {
	var schema bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Lists the tools of the configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.listTools(cmd.Context(), schema)
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "print the input schema of each tool")
	return cmd
}

func (c *cli) listTools(ctx context.Context, schema bool) error {
	cfg, err := config.Load(c.configFile, c.envFiles...)
	if err != nil {
		return err
	}

	r, err := registry.Connect(ctx, cfg.MCPServers, nil)
	if err != nil {
		return err
	}
	defer closeRegistry(r)

	for _, e := range r.ListAll() {
		fmt.Fprintf(c.out, "%s/%s: %s\n", color.CyanString(e.Provider), color.YellowString(e.Tool.Name), e.Tool.Description)
		if schema && len(e.Tool.InputSchema) > 0 {
			fmt.Fprintf(c.out, "  %s\n", string(e.Tool.InputSchema))
		}
	}
	return nil
}
