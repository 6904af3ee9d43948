package main

import (
	"flag"
	"fmt"
	"os"

	"coopos/kernel/kmain"

	"golang.org/x/exp/slog"
)

var (
	configFile = flag.String("config", "", "JSON machine configuration (defaults to a 128M QEMU machine)")
	scenario   = flag.String("scenario", "", "scenario to run; leave empty to list the available scenarios")
	dumpState  = flag.Bool("dump", false, "dump the kernel state as JSON after booting instead of running a scenario")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[coopos] error: %s\n", err.Error())
	os.Exit(1)
}

func loadConfig() (kmain.Config, error) {
	if *configFile == "" {
		return kmain.DefaultConfig(), nil
	}

	data, err := os.ReadFile(*configFile)
	if err != nil {
		return kmain.Config{}, err
	}
	return kmain.ParseConfig(data)
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		exit(err)
	}
	cfg.Logger = slog.New(slog.HandlerOptions{Level: cfg.LogLevel}.NewTextHandler(os.Stderr))
	cfg.ConsoleSink = os.Stdout

	switch {
	case *dumpState:
		k, err := kmain.Boot(cfg)
		if err != nil {
			exit(err)
		}
		if err = k.DumpState(os.Stdout); err != nil {
			exit(err)
		}
		fmt.Println()
	case *scenario == "":
		for _, name := range kmain.Scenarios() {
			fmt.Println(name)
		}
	default:
		passed, err := kmain.RunScenario(cfg, *scenario)
		if err != nil {
			exit(err)
		}
		if !passed {
			os.Exit(1)
		}
	}
}
