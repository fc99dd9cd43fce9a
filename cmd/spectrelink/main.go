// Spectrelink CLI entry point.
//
// One binary runs any of the three roles: the local SOCKS5 proxy (client),
// the entry relay that holds the master key, or the exit relay that opens
// the outbound TCP connections. Settings come from an optional INI file,
// the environment and flags, later sources winning.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/spectrelink/internal/app"
	"github.com/1ureka/spectrelink/internal/config"
	"github.com/1ureka/spectrelink/internal/util"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			util.LogError("%v", err)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	banner(cfg)

	switch cfg.Role {
	case config.RoleEntry:
		err = app.RunEntry(ctx, cfg)
	case config.RoleExit:
		err = app.RunExit(ctx, cfg)
	default:
		err = app.RunClient(ctx, cfg)
	}
	if err != nil {
		return err
	}

	util.LogInfo("stopped")
	return nil
}

func banner(cfg *config.Config) {
	pterm.Info.Println(fmt.Sprintf("Spectrelink v%s (%s)", version, cfg.Role))

	rows := [][]string{{"Setting", "Value"}}
	switch cfg.Role {
	case config.RoleClient:
		rows = append(rows,
			[]string{"SOCKS5", cfg.ListenAddr()},
			[]string{"Entry", cfg.EntryURL},
		)
	case config.RoleEntry:
		rows = append(rows,
			[]string{"Listen", cfg.RelayListen},
			[]string{"Exit", cfg.ExitURL},
		)
	case config.RoleExit:
		rows = append(rows, []string{"Listen", cfg.RelayListen})
	}
	if cfg.Role != config.RoleExit {
		rows = append(rows,
			[]string{"Cipher", string(cfg.Suite())},
			[]string{"Key", util.KeyHint(cfg.SharedKey)},
		)
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Println()
}
