package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// errReported marks failures whose details were already written to the
// command's output.
var errReported = errors.New("reported")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "hotpatch",
		Short: "Live-patching runtime for class-defining hosts",
		Long: `hotpatch runs a plugin-driven live-patching runtime. Plugins declare
init, transform and watch points; the runtime binds them per isolation unit,
debounces the commands they schedule and re-defines changed classes.

The file host treats each directory under host.root as a unit and each class
file beneath it as a type, so "hotpatch run" can drive the whole runtime.`,
		Version:       currentVersionInfo().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(),
		"Path to configuration file or directory (env HOTPATCH_CONFIG)")

	root.AddCommand(
		newRunCommand(opts),
		newMonitorCommand(opts),
		newDoctorCommand(opts),
		newConfigCommand(opts),
		newPluginsCommand(opts),
		newCommandsCommand(opts),
		newVersionCommand(),
	)
	return root
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("HOTPATCH_CONFIG")); p != "" {
		return p
	}
	return "."
}
