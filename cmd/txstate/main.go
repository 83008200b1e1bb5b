// Command txstate inspects and exercises a transaction state store.
//
// The configuration file is read from $TXSTATE_CONFIG, or ./txstate.yaml
// when unset. Without a file the embedded engine in ./txstate-data is used.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mirkobrombin/go-cli-builder/v2/pkg/cli"

	"github.com/mirkobrombin/go-txstate/pkg/config"
	"github.com/mirkobrombin/go-txstate/pkg/txstore"
)

const defaultConfigPath = "txstate.yaml"

// CLI Root
type CLI struct {
	Alloc   CmdAlloc   `cmd:"alloc" help:"Allocate transaction ids"`
	Begin   CmdBegin   `cmd:"begin" help:"Persist a new pending transaction"`
	Get     CmdGet     `cmd:"get" help:"Show a transaction"`
	Set     CmdSet     `cmd:"set" help:"Change the status of a transaction"`
	Scan    CmdScan    `cmd:"scan" help:"List unresolved transactions"`
	Remove  CmdRemove  `cmd:"remove" help:"Remove a transaction"`
	Compact CmdCompact `cmd:"compact" help:"Compact the embedded engines"`
	Stats   CmdStats   `cmd:"stats" help:"Show embedded engine stats"`
	Bench   CmdBench   `cmd:"bench" help:"Measure id allocation under contention"`
	Config  CmdConfig  `cmd:"config" help:"Print the effective configuration"`
}

// session is what every command works with.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	backend *backend
	store   *txstore.Store
}

func loadConfig() (config.Config, error) {
	path := os.Getenv("TXSTATE_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	return config.Load(path)
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := txstore.New(b.alloc, b.txs, newCodec(cfg),
		txstore.WithLogger(logger),
		txstore.WithRetryPolicy(cfg.RetryPolicy()),
	)
	if err != nil {
		b.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, backend: b, store: s}, nil
}

func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("close backend", "err", err)
	}
}

func main() {
	app := &CLI{}
	if err := cli.Run(app); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
