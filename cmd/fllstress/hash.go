package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/fll"
)

// HashCommand looks keys up in an fll.Hash from many goroutines while one
// writer inserts, deletes and rehashes it.
type HashCommand struct {
	Readers  int
	Keys     int
	Duration time.Duration

	Logger    logr.Logger
	Stdout    io.Writer
	StatsFile string
}

// NewHashCommand returns the "hash" subcommand.
func NewHashCommand(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	cmd := &HashCommand{Stdout: stdout}
	hc := &cobra.Command{
		Use:   "hash",
		Short: "Look up keys during rehashes.",
		RunE: func(c *cobra.Command, args []string) error {
			logger, err := opts.newLogger(stderr)
			if err != nil {
				return err
			}
			cmd.Logger = logger
			cmd.StatsFile = opts.StatsFile
			return cmd.Run(c.Context())
		},
	}
	flags := hc.Flags()
	flags.IntVarP(&cmd.Readers, "readers", "r", 4, "Number of reader goroutines.")
	flags.IntVarP(&cmd.Keys, "keys", "k", 1024, "Number of keys that are never deleted.")
	flags.DurationVarP(&cmd.Duration, "duration", "d", 2*time.Second, "How long to run.")
	return hc
}

// Run executes the stress run. Keys below cmd.Keys are stable and must
// always be found, in ascending sequence order. The writer churns keys
// from cmd.Keys up and short-lived negative keys; whenever a reader finds a
// churned key its value must still match the key.
func (cmd *HashCommand) Run(ctx context.Context) error {
	if cmd.Readers < 1 || cmd.Keys < 1 {
		return errors.Errorf("hash: readers (%d) and keys (%d) must be positive", cmd.Readers, cmd.Keys)
	}
	if cmd.Duration <= 0 {
		return errors.New("hash: duration must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration)
	defer cancel()

	pairs := make([]fll.KeyValue[int, int], cmd.Keys)
	for i := range pairs {
		pairs[i] = fll.KeyValue[int, int]{Key: i, Value: -i}
	}
	h := fll.NewHashFrom(pairs, fll.WithLogger(cmd.Logger))
	defer h.Close()

	var lookups, ranges atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < cmd.Readers; r++ {
		g.Go(func() error {
			tok := fll.NewToken()
			ts := h.Register(tok)
			defer h.Unregister(tok)
			for i := 0; ctx.Err() == nil; i++ {
				if err := cmd.check(h, ts, rand.Intn(cmd.Keys)); err != nil {
					return errors.Wrapf(err, "reader %s", tok)
				}
				lookups.Add(1)
				if i%1024 == 0 {
					if err := cmd.checkOrder(h, ts); err != nil {
						return errors.Wrapf(err, "reader %s", tok)
					}
					ranges.Add(1)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		cmd.write(ctx, h)
		return nil
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "hash")
	}

	fmt.Fprintf(cmd.Stdout, "lookups: %d ranges: %d\n", lookups.Load(), ranges.Load())
	return reportStats(cmd.Stdout, cmd.StatsFile, h.Stats(), h.Lock().Stats())
}

func (cmd *HashCommand) check(h *fll.Hash[int, int], ts *fll.ThreadState, k int) error {
	if v, ok := h.Get(ts, k); !ok || v != -k {
		return errors.Errorf("stable key %d: got %d, %t", k, v, ok)
	}
	churn := cmd.Keys + k*4
	if v, ok := h.Get(ts, churn); ok && v != -churn {
		return errors.Errorf("churned key %d: got %d", churn, v)
	}
	if v, ok := h.Get(ts, -k-1); ok && v != 0 {
		return errors.Errorf("short-lived key %d: got %d", -k-1, v)
	}
	return nil
}

func (cmd *HashCommand) checkOrder(h *fll.Hash[int, int], ts *fll.ThreadState) error {
	prev, seen := -1, 0
	var err error
	h.Range(ts, func(k, _ int) bool {
		if k < 0 || k >= cmd.Keys {
			return true
		}
		if k <= prev {
			err = errors.Errorf("sequence order broken: %d after %d", k, prev)
			return false
		}
		prev = k
		seen++
		return true
	})
	if err == nil && seen != cmd.Keys {
		err = errors.Errorf("range saw %d of %d stable keys", seen, cmd.Keys)
	}
	return err
}

func (cmd *HashCommand) write(ctx context.Context, h *fll.Hash[int, int]) {
	tok := fll.NewToken()
	ts := h.Register(tok)
	defer h.Unregister(tok)

	for i := 0; ctx.Err() == nil; i++ {
		k := cmd.Keys + i%(4*cmd.Keys)
		if _, loaded := h.PutIfAbsent(ts, k, -k); loaded {
			h.Delete(ts, k)
		}
		ghost := -(i % cmd.Keys) - 1
		h.Put(ts, ghost, 0)
		h.Delete(ts, ghost)
		if i%(8*cmd.Keys) == 0 {
			h.Rehash(0)
		}
	}
}
