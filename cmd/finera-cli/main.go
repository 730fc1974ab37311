package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"finera/internal/config"
)

const version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "finera-cli: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "finera-cli"
	app.Version = version
	app.Usage = "run and inspect backtests"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Value:   config.DefaultPath,
			EnvVars: []string{"FINERA_CONFIG"},
			Usage:   "config file; defaults apply when it does not exist",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level",
		},
		&cli.StringFlag{
			Name:    "server",
			EnvVars: []string{"FINERA_SERVER"},
			Usage:   "run against a finera-server at this URL instead of locally",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "run",
			Usage:     "run a backtest over a CSV file or a stored symbol",
			ArgsUsage: " ",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "OHLCV CSV file"},
				&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "ticker; names the CSV series or selects stored bars"},
				&cli.StringFlag{Name: "period", Aliases: []string{"p"}, Usage: "start:end dates (YYYY-MM-DD)"},
				&cli.StringFlag{Name: "script", Usage: "strategy script file"},
				&cli.StringFlag{Name: "strategy", Usage: "built-in strategy name"},
				&cli.StringSliceFlag{Name: "param", Usage: "strategy parameter as name=value; repeatable"},
				&cli.Float64Flag{Name: "capital", Value: 10000, Usage: "initial capital"},
				&cli.Float64Flag{Name: "commission", Usage: "commission rate; defaults to the configured rate"},
				&cli.DurationFlag{Name: "timeout", Usage: "run timeout; defaults to the configured timeout"},
				&cli.BoolFlag{Name: "store", Usage: "save the result to the result store"},
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the result JSON here instead of stdout"},
				&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "hide the progress bar"},
			},
			Action: runCommand,
		},
		{
			Name:  "import",
			Usage: "import a CSV file into the bar archive",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "OHLCV CSV file"},
				&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Required: true, Usage: "ticker the bars belong to"},
				&cli.StringFlag{Name: "market", Usage: "market partition; defaults to the configured market"},
			},
			Action: importCommand,
		},
		{
			Name:   "symbols",
			Usage:  "list symbols in the bar archive",
			Flags:  []cli.Flag{&cli.StringFlag{Name: "market", Usage: "market partition"}},
			Action: symbolsCommand,
		},
		{
			Name:   "strategies",
			Usage:  "list built-in strategies",
			Action: strategiesCommand,
		},
		{
			Name:  "show",
			Usage: "show a stored result, or list recent results",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}},
				&cli.StringFlag{Name: "period", Aliases: []string{"p"}},
				&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of results to list"},
			},
			Action: showCommand,
		},
	}
	return app
}
