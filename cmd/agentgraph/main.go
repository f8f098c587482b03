// Command agentgraph validates, runs and serves multi-agent workflow graphs.
//
//	agentgraph validate review.yaml
//	agentgraph run review.yaml --prompt "Review this lease" --approve-all
//	agentgraph serve --addr :8080 --config agentgraph.yaml
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentgraph",
		Short:         "Run multi-agent LLM workflow graphs",
		Long:          `agentgraph executes workflow graphs of LLM agents, routers, scripts and tools with shared blackboard state, feedback loops and human approval gates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "settings file (.yaml, .yml or .json)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: text or json (overrides config)")

	root.AddCommand(newValidateCmd(), newRunCmd(g), newServeCmd(g))
	return root
}

// settings loads the config file when given, overlays AGENTGRAPH_*
// environment variables and applies flag overrides. Precedence: flags, the
// environment, the file, then built-in defaults.
func (g *globalFlags) settings() (config.Settings, error) {
	cfg := config.New(nil)
	source := "environment"
	if g.configPath != "" {
		var err error
		if cfg, err = config.FromFile(g.configPath); err != nil {
			return config.Settings{}, err
		}
		source = "config " + g.configPath
	}
	cfg = cfg.Merge(config.FromEnv(config.EnvPrefix, os.Environ()))
	s, err := config.LoadSettings(cfg)
	if err != nil {
		return s, fmt.Errorf("%s: %w", source, err)
	}
	if g.logLevel != "" {
		s.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		s.Log.Format = g.logFormat
	}
	return s, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
