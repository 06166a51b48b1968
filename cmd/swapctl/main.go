// Command swapctl drives and inspects the swap subsystem.
package main

import (
	"github.com/alecthomas/kong"
)

const version = "0.1.0"

// CLI defines the command-line interface for swapctl.
type CLI struct {
	// Global flags
	Config   string `name:"config" short:"c" help:"Config file (YAML, or JSON by extension)" type:"path"`
	LogLevel string `name:"log-level" help:"Override the configured log level (DEBUG, INFO, WARN, ERROR)"`

	Simulate SimulateCmd `cmd:"" help:"Run concurrent fault and page-out cycles and print statistics"`
	Inspect  InspectCmd  `cmd:"" help:"List the slots stored in a SQLite swap device"`
	Bench    BenchCmd    `cmd:"" help:"Time page-out, page-in, and clean re-put latencies"`
	Serve    ServeCmd    `cmd:"" help:"Run a simulation loop and expose /metrics"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("swapctl"),
		kong.Description("Anonymous-memory swap cache and pager toolkit"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
