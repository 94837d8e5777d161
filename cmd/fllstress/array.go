package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/fll"
)

// ArrayCommand iterates an fll.Array from many goroutines while one writer
// grows, re-encodes and truncates it.
type ArrayCommand struct {
	Readers  int
	Size     int
	GrowTo   int
	Duration time.Duration
	Convert  bool

	Logger    logr.Logger
	Stdout    io.Writer
	StatsFile string
}

// NewArrayCommand returns the "array" subcommand.
func NewArrayCommand(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	cmd := &ArrayCommand{Stdout: stdout}
	ac := &cobra.Command{
		Use:   "array",
		Short: "Iterate an array during resizes.",
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
	flags := ac.Flags()
	flags.IntVarP(&cmd.Readers, "readers", "r", 4, "Number of reader goroutines.")
	flags.IntVarP(&cmd.Size, "size", "s", 1024, "Initial array length.")
	flags.IntVarP(&cmd.GrowTo, "grow-to", "g", 4096, "Length the writer resizes up to.")
	flags.DurationVarP(&cmd.Duration, "duration", "d", 2*time.Second, "How long to run.")
	flags.BoolVar(&cmd.Convert, "convert", true, "Also switch between flat and segmented encodings.")
	return ac
}

func (cmd *ArrayCommand) validate() error {
	switch {
	case cmd.Readers < 1:
		return errors.Errorf("need at least one reader, got %d", cmd.Readers)
	case cmd.Size < 1:
		return errors.Errorf("size must be positive, got %d", cmd.Size)
	case cmd.GrowTo < cmd.Size:
		return errors.Errorf("grow-to (%d) is smaller than size (%d)", cmd.GrowTo, cmd.Size)
	case cmd.Duration <= 0:
		return errors.New("duration must be positive")
	}
	return nil
}

// Run executes the stress run. Every element holds its own index, so a
// reader detects a stale or misplaced read by comparing the two.
func (cmd *ArrayCommand) Run(ctx context.Context) error {
	if err := cmd.validate(); err != nil {
		return errors.Wrap(err, "array")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration)
	defer cancel()

	a := fll.NewArray[int](fll.WithPresize(cmd.GrowTo), fll.WithLogger(cmd.Logger))
	defer a.Close()
	a.Resize(cmd.Size, identity)

	var iterations, delivered, rebuilds, switches atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < cmd.Readers; r++ {
		g.Go(func() error {
			tok := fll.NewToken()
			var failure error
			a.Registry().With(tok, func(ts *fll.ThreadState) {
				for ctx.Err() == nil && failure == nil {
					next := 0
					it := a.Each(ts, 0, func(i int, v int) bool {
						if i != next || v != i {
							failure = errors.Errorf("reader %s: got index %d value %d, want index %d", tok, i, v, next)
							return false
						}
						next++
						return true
					})
					iterations.Add(1)
					delivered.Add(int64(it.Delivered))
					rebuilds.Add(int64(it.Rebuilds))
					switches.Add(int64(it.StrategySwitches))
				}
			})
			return failure
		})
	}
	g.Go(func() error {
		cmd.write(ctx, a)
		return nil
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "array")
	}

	fmt.Fprintf(cmd.Stdout, "iterations: %d delivered: %d rebuilds: %d strategy switches: %d\n",
		iterations.Load(), delivered.Load(), rebuilds.Load(), switches.Load())
	return reportStats(cmd.Stdout, cmd.StatsFile, a.Stats(), a.Lock().Stats())
}

func (cmd *ArrayCommand) write(ctx context.Context, a *fll.Array[int]) {
	tok := fll.NewToken()
	ts := a.Register(tok)
	defer a.Unregister(tok)

	step := max((cmd.GrowTo-cmd.Size)/8, 1)
	n := cmd.Size
	for i := 0; ctx.Err() == nil; i++ {
		switch {
		case cmd.Convert && i%4 == 3:
			enc := fll.SegmentedEncoding
			if a.Encoding() == fll.SegmentedEncoding {
				enc = fll.FlatEncoding
			}
			a.Convert(enc)
		case n+step <= cmd.GrowTo:
			a.Append(ts, sequence(n, step)...)
			n += step
		default:
			n = cmd.Size
			a.Truncate(n)
		}
		time.Sleep(time.Millisecond)
	}
}

func identity(i int) int { return i }

func sequence(from, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = from + i
	}
	return s
}
