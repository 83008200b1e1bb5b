package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-txstate/pkg/engine"
	"github.com/mirkobrombin/go-txstate/pkg/tx"
	"github.com/mirkobrombin/go-txstate/pkg/txstore"
)

var errNoEngine = errors.New("this command needs the engine or raft backend")

func parseID(v string) (tx.ID, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid transaction id %q", v)
	}
	return tx.ID(n), nil
}

func printTransaction(t *tx.Transaction) {
	fmt.Printf("%s %s %s (%d operations)\n", t.ID, t.Status, t.Version(), len(t.Operations))
	for _, op := range t.Operations {
		fmt.Printf("  - %s %s %s", op.ID, op.Type, op.State)
		if op.ExpectedVersion != nil {
			fmt.Printf(" expects v%d", *op.ExpectedVersion)
		}
		if op.Entry != nil {
			fmt.Printf(" %+v", op.Entry)
		}
		fmt.Println()
	}
}

type CmdAlloc struct {
	Count int `arg:"" optional:"true" help:"Number of ids (default 1)"`
}

func (c *CmdAlloc) Run() error {
	count := max(c.Count, 1)

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	for range count {
		id, err := s.store.GetUniqueID(ctx)
		if err != nil {
			return err
		}
		fmt.Println(id)
	}
	return nil
}

type CmdBegin struct {
	Note string `arg:"" optional:"true" help:"Payload of a single custom operation"`
}

func (c *CmdBegin) Run() error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var ops []tx.Operation
	if c.Note != "" {
		ops = append(ops, tx.NewOperation(0, tx.OpCustom, Note{Text: c.Note}))
	}
	t, err := s.store.Begin(ctx, ops...)
	if err != nil {
		return err
	}
	printTransaction(t)
	return nil
}

type CmdGet struct {
	ID string `arg:"" required:"true" help:"Transaction id"`
}

func (c *CmdGet) Run() error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, found, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transaction %s not found", id)
	}
	printTransaction(t)
	return nil
}

type CmdSet struct {
	ID     string `arg:"" required:"true" help:"Transaction id"`
	Status string `arg:"" required:"true" help:"pending, abort-requested, committed or aborted"`
}

func (c *CmdSet) Run() error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	status, err := tx.ParseStatus(strings.ToLower(c.Status))
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.store.Update(ctx, id, func(t *tx.Transaction) error {
		t.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	printTransaction(t)
	return nil
}

type CmdScan struct{}

func (c *CmdScan) Run() error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	count, failed := 0, 0
	for t, err := range s.store.ScanUnresolved(ctx) {
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "unreadable record: %v\n", err)
			continue
		}
		printTransaction(t)
		count++
	}
	fmt.Printf("%d unresolved, %d unreadable\n", count, failed)
	return nil
}

type CmdRemove struct {
	ID   string `arg:"" required:"true" help:"Transaction id"`
	Mode string `arg:"" optional:"true" help:"\"force\" also removes unresolved transactions"`
}

func (c *CmdRemove) Run() error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, found, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("OK (absent)")
		return nil
	}
	if c.Mode == "force" {
		err = s.store.Remove(ctx, t)
	} else {
		err = s.store.Resolve(ctx, t)
	}
	if err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

type CmdCompact struct{}

func (c *CmdCompact) Run() error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.backend.engines == nil {
		return errNoEngine
	}
	fmt.Println("Compacting...")
	start := time.Now()
	if err := s.backend.engines.Compact(); err != nil {
		return err
	}
	fmt.Printf("Done in %s\n", time.Since(start))
	return nil
}

type CmdStats struct{}

func (c *CmdStats) Run() error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.backend.engines == nil {
		return errNoEngine
	}
	stats := map[string]engine.Stats{
		"allocator":    s.backend.engines.Allocator.Stats(),
		"transactions": s.backend.engines.Transactions.Stats(),
	}
	for _, name := range []string{"allocator", "transactions"} {
		st := stats[name]
		fmt.Printf("%s:\n", name)
		fmt.Printf("  Keys: %d\n", st.Keys)
		fmt.Printf("  Active Segment ID: %d\n", st.ActiveSegment)
		fmt.Printf("  Sealed Segments: %d\n", st.SealedSegments)
		fmt.Printf("  Root: %x\n", st.Root)
	}
	return nil
}

type CmdBench struct {
	Workers int `arg:"" optional:"true" help:"Concurrent allocators (default 8)"`
	Count   int `arg:"" optional:"true" help:"Ids per allocator (default 1000)"`
}

func (c *CmdBench) Run() error {
	workers := c.Workers
	if workers <= 0 {
		workers = 8
	}
	count := c.Count
	if count <= 0 {
		count = 1000
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		mu        sync.Mutex
		ids       = make([]tx.ID, 0, workers*count)
		latencies = make([]time.Duration, 0, workers*count)
	)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for range workers {
		g.Go(func() error {
			for range count {
				t0 := time.Now()
				id, err := s.store.GetUniqueID(gctx)
				if err != nil {
					return err
				}
				d := time.Since(t0)
				mu.Lock()
				ids = append(ids, id)
				latencies = append(latencies, d)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if errors.Is(err, txstore.ErrContentionExceeded) {
		fmt.Printf("contention exceeded after %d ids: raise retry.max_attempts\n", len(ids))
	}
	if err != nil {
		return err
	}

	slices.Sort(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			return fmt.Errorf("allocation gap or duplicate between %s and %s", ids[i-1], ids[i])
		}
	}

	slices.Sort(latencies)
	p99 := latencies[len(latencies)*99/100]
	fmt.Printf("| %-8s | %-8s | %-12s | %-12s |\n", "Backend", "Ids", "Ids/s", "P99")
	fmt.Println("|:---|:---|:---|:---|")
	fmt.Printf("| %-8s | %-8d | %-12.0f | %-12s |\n", s.cfg.Backend, len(ids), float64(len(ids))/elapsed.Seconds(), p99)
	return nil
}

type CmdConfig struct{}

func (c *CmdConfig) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
