// Command mcpagent answers questions with a language model
// and the tools discovered on the configured MCP providers.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/internal/cliutil"
	"github.com/effective-security/xlog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcpagent")

type cli struct {
	out    io.Writer
	errOut io.Writer

	configFile string
	envFiles   []string
	logLevel   string
	debug      bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the exit code
func execute(args []string, out, errOut io.Writer) int {
	c := &cli{out: out, errOut: errOut}
	root := c.rootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		c.report(err)
		return 1
	}
	return 0
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpagent",
		Short:         "Answers questions with a language model and the tools of MCP providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := c.logLevel
			if c.debug {
				level = "DEBUG"
			}
			return cliutil.SetupLogging(c.errOut, level)
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configFile, "config", "c", "", "config file: YAML, JSON or TOML")
	pf.StringSliceVar(&c.envFiles, "env", nil, "env files to load, .env is loaded when present")
	pf.StringVar(&c.logLevel, "log-level", "WARNING", "log level: DEBUG, INFO, WARNING, ERROR")
	pf.BoolVar(&c.debug, "debug", false, "debug logs, errors are printed with the stack")

	root.AddCommand(c.runCmd(), c.toolsCmd())
	return root
}

// report prints the error kind and message, with --debug the stack
func (c *cli) report(err error) {
	if c.debug {
		fmt.Fprintf(c.errOut, "%s %+v\n", color.RedString(chatmodel.Kind(err)+":"), err)
		return
	}
	fmt.Fprintln(c.errOut, color.RedString(chatmodel.Describe(err)))
}
