package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/cmd/envrelay/decode"
	"github.com/temoto/envrelay/cmd/envrelay/node"
	"github.com/temoto/envrelay/cmd/envrelay/receiver"
	"github.com/temoto/envrelay/cmd/envrelay/subcmd"
	"github.com/temoto/envrelay/config"
	"github.com/temoto/envrelay/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	node.Mod,
	receiver.Mod,
	decode.Mod,
}

func main() {
	flagset := flag.NewFlagSet("envrelay", flag.ContinueOnError)
	flagConfig := flagset.String("config", "envrelay.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: envrelay [option] command [args]\nOptions:\n")
		flagset.PrintDefaults()
		fmt.Fprintf(flagset.Output(), "Commands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %s\n", m.Name)
		}
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify(log, "start") {
		// under systemd, assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	var cfg *config.Config
	if mod.NeedConfig {
		fs, err := config.NewOsFullReader(".")
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		cfg = config.MustReadConfig(log, fs, *flagConfig)
		if !cfg.LogDebug {
			log.SetLevel(log2.LInfo)
		}
		log.Debugf("config=%+v", cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := mod.Main(ctx, cfg, log, flagset.Args()[1:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
