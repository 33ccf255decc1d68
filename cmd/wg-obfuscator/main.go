// Command wg-obfuscator runs the bidirectional UDP relay described in
// internal/proxy: it decodes/encodes the obfuscation wire format and
// applies an optional masking profile between a WireGuard client and
// its real endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haruue-net/wg-obfuscator/internal/config"
	"github.com/haruue-net/wg-obfuscator/internal/proxy"
	"github.com/haruue-net/wg-obfuscator/internal/xlog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wg-obfuscator",
		Short: "Obfuscating UDP relay for WireGuard traffic",
		RunE:  run,
	}
	_, build := config.BindFlags(cmd.Flags())
	cmd.SetContext(context.WithValue(context.Background(), buildKey{}, build))
	return cmd
}

// buildKey is the context key newRootCmd stashes the flag-to-Config
// builder under, since cobra's RunE signature doesn't carry it directly.
type buildKey struct{}

func run(cmd *cobra.Command, _ []string) error {
	build := cmd.Context().Value(buildKey{}).(func() (config.Config, error))

	configPath, _ := cmd.Flags().GetString("config")
	section, _ := cmd.Flags().GetString("section")

	if configPath == "" {
		cfg, err := build()
		if err != nil {
			return err
		}
		return runSingleInstance(cmd.Context(), cfg)
	}

	sections, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	if section != "" {
		for _, s := range sections {
			if s.Section == section {
				return runSingleInstance(cmd.Context(), s)
			}
		}
		return fmt.Errorf("wg-obfuscator: no section %q in %s", section, configPath)
	}

	switch len(sections) {
	case 0:
		return fmt.Errorf("wg-obfuscator: %s declares no sections", configPath)
	case 1:
		return runSingleInstance(cmd.Context(), sections[0])
	default:
		return runMultiInstance(cmd.Context(), configPath, sections)
	}
}

// runMultiInstance implements the multi-instance model: a config file
// declaring several sections forks one child process per section, each
// re-invoking this same binary pinned to --section, and waits for all
// of them. A child's exit (crash or signal) is logged but does not by
// itself tear down its siblings. SIGINT or SIGTERM to this process
// cancels ctx, and exec.CommandContext then kills every child still
// running.
func runMultiInstance(ctx context.Context, configPath string, sections []config.Config) error {
	log := xlog.New(os.Stderr, "supervisor", xlog.LevelInfo)
	log.Infof("starting %d instance(s) from %s", len(sections), configPath)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	type result struct {
		section string
		err     error
	}
	done := make(chan result, len(sections))

	for _, s := range sections {
		s := s
		cmd := exec.CommandContext(ctx, os.Args[0], "--config", configPath, "--section", s.Section)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("wg-obfuscator: spawn section %q: %w", s.Section, err)
		}
		go func() {
			done <- result{section: s.Section, err: cmd.Wait()}
		}()
	}

	var firstErr error
	for range sections {
		r := <-done
		if r.err != nil && ctx.Err() == nil {
			log.Errorf("instance %q exited: %v", r.section, r.err)
			if firstErr == nil {
				firstErr = r.err
			}
		} else {
			log.Infof("instance %q stopped", r.section)
		}
	}
	return firstErr
}

func runSingleInstance(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := xlog.ParseLevel(cfg.Verbose)
	if err != nil {
		return err
	}
	log := xlog.New(os.Stderr, cfg.Section, level)

	sup, err := proxy.NewSupervisor(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return sup.Run(ctx)
}
