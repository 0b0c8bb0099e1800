package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"unitgauge/internal/app"
)

var version = "dev"

// exitConfigChanged is EX_TEMPFAIL; the unit file restarts on it.
const exitConfigChanged = 75

type CLI struct {
	Config  string           `short:"c" help:"Configuration file path (YAML or JSON)" default:"/etc/unitgauge/unitgauge.yaml" type:"path"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run   RunCmd   `cmd:"" default:"withargs" help:"Poll configured units and serve metrics until stopped"`
	Once  OnceCmd  `cmd:"" help:"Run every read once and print PUTVAL lines to stdout"`
	Check CheckCmd `cmd:"" help:"Validate the configuration file and exit"`
}

type RunCmd struct {
	WatchConfig bool `name:"watch-config" help:"Exit with code 75 when the config file content changes"`
}

func (c *RunCmd) Run(cli *CLI) error {
	a, err := app.New(app.Options{ConfigPath: cli.Config, WatchConfig: c.WatchConfig})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	reasonCh := make(chan app.StopReason, 1)
	go func() {
		select {
		case sig := <-sigCh:
			reasonCh <- app.StopReasonFor(sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := a.Run(ctx)
	cancel()

	reason := app.StopUnknown
	select {
	case reason = <-reasonCh:
	default:
	}
	switch {
	case errors.Is(runErr, app.ErrConfigChanged):
		reason = app.StopConfigChanged
	case runErr != nil:
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	a.Stop(stopCtx, reason)
	return runErr
}

type OnceCmd struct{}

func (c *OnceCmd) Run(cli *CLI) error {
	a, err := app.New(app.Options{ConfigPath: cli.Config, Once: true})
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return a.Once(ctx)
}

type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := app.Check(cli.Config)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(cfg.Plugins))
	for name := range cfg.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("%s: ok (plugins: %v)\n", cli.Config, names)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("unitgauge"),
		kong.Description("Reports whether systemd units are active as gauge metrics."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	err := kctx.Run(&cli)
	if errors.Is(err, app.ErrConfigChanged) {
		fmt.Fprintln(os.Stderr, "unitgauge:", err)
		os.Exit(exitConfigChanged)
	}
	kctx.FatalIfErrorf(err)
}
