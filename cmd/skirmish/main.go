package main

import (
	"fmt"
	"os"
	"time"

	"github.com/skirmish-gg/skirmish/pkg/config"
	"github.com/skirmish-gg/skirmish/pkg/version"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var CLI struct {
	Version bool `help:"Print version information and exit." short:"v"`
	Debug   bool `help:"Whether to enable debug logging."`

	Serve struct {
		Configs []string `arg:"" optional:"" name:"configs" help:"Configuration files for the relay." type:"file"`
	} `cmd:"" default:"1" help:"Start the skirmish relay."`

	Config struct {
	} `cmd:"" help:"Write the default configuration to standard output."`
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	parser, err := kong.New(&CLI,
		kong.Name("skirmish"),
		kong.Description("the skirmish arena relay"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		fatal(err)
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if CLI.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Warn().Msg("debug logging enabled")
	}

	if CLI.Version {
		fmt.Printf(
			"skirmish %s (%s, built %s)\n",
			version.Version,
			version.GitCommit,
			version.BuildTime,
		)
		return
	}

	switch ctx.Command() {
	case "serve", "serve <configs>":
		if err := serveCommand(CLI.Serve.Configs); err != nil {
			fatal(err)
		}
	case "config":
		os.Stdout.Write(config.DEFAULT)
	}
}
