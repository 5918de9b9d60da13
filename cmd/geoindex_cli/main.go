package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/geoindex/config"
	"github.com/sushant-115/geoindex/core/indexmanager"
	"github.com/sushant-115/geoindex/pkg/logger"
	"github.com/sushant-115/geoindex/pkg/telemetry"
	"go.uber.org/zap"
)

var configPath = flag.String("config", "", "Path to the YAML configuration file")

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("add"),
		readline.PcItem("gen"),
		readline.PcItem("search"),
		readline.PcItem("count"),
		readline.PcItem("level"),
		readline.PcItem("decimate", readline.PcItem("progressive"), readline.PcItem("copy")),
		readline.PcItem("tree"),
		readline.PcItem("flush"),
		readline.PcItem("validate"),
		readline.PcItem("stats"),
		readline.PcItem("budget"),
		readline.PcItem("snapshot"),
		readline.PcItem("loglevel", readline.PcItem("debug"), readline.PcItem("info"), readline.PcItem("warn"), readline.PcItem("error")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func interactive(ctx context.Context, s *session) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "geoindex> ",
		HistoryFile:     filepath.Join(home, ".geoindex_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(s.out, "geoindex CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := s.processCommand(ctx, strings.Fields(line)); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("CRITICAL: %v", err)
		}
	}

	zlogger, level, err := logger.NewWithLevel(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	ctx := context.Background()
	defer func() {
		if err := shutdown(ctx); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	m, err := indexmanager.New(ctx, cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("failed to open index", zap.Error(err))
	}
	s := &session{m: m, out: os.Stdout, nextID: uint64(m.Index().Count()), level: &level}

	args := flag.Args()
	if len(args) > 0 {
		if err := s.processCommand(ctx, args); err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	} else if err := interactive(ctx, s); err != nil {
		zlogger.Error("interactive session failed", zap.Error(err))
	}

	if err := m.Close(ctx); err != nil {
		zlogger.Error("failed to close index", zap.Error(err))
		os.Exit(1)
	}
}
