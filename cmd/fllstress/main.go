// Command fllstress exercises the fll containers under concurrent layout
// changes and verifies what every reader observed.
package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	Level     int
	JSON      bool
	StatsFile string
}

func (o *globalOptions) addFlags(flags *pflag.FlagSet) {
	flags.IntVarP(&o.Level, "log-level", "v", 0, "Log verbosity; 4 logs layout changes, 5 also logs slow paths.")
	flags.BoolVar(&o.JSON, "json", false, "Log as JSON instead of the console format.")
	flags.StringVar(&o.StatsFile, "stats-file", "", "Also write the final statistics to this file.")
}

// newLogger builds a zap logger at the requested logr verbosity and bridges
// it to logr.
func (o *globalOptions) newLogger(stderr io.Writer) (logr.Logger, error) {
	if o.Level < 0 {
		return logr.Discard(), errors.Errorf("log level must not be negative, got %d", o.Level)
	}
	var encoder zapcore.Encoder
	if o.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(stderr), zap.NewAtomicLevelAt(zapcore.Level(-o.Level)))
	return zapr.NewLogger(zap.New(core)), nil
}

// NewRootCommand returns the fllstress command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	rc := &cobra.Command{
		Use:   "fllstress",
		Short: "Stress the layout lock containers.",
		Long: `
Runs reader goroutines against an fll container while a writer keeps changing
its layout, and fails if any reader observes a stale or out of order element.
`,
		SilenceUsage: true,
	}
	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	opts.addFlags(rc.PersistentFlags())

	rc.AddCommand(NewArrayCommand(opts, stdout, stderr))
	rc.AddCommand(NewHashCommand(opts, stdout, stderr))
	return rc
}

type stats interface {
	ToString() string
}

// reportStats prints sections to w and, when path is set, replaces the file
// at path with the same report.
func reportStats(w io.Writer, path string, sections ...stats) error {
	var sb strings.Builder
	for _, s := range sections {
		sb.WriteString(s.ToString())
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return errors.Wrap(err, "writing stats")
	}
	if path == "" {
		return nil
	}
	return errors.Wrapf(atomic.WriteFile(path, strings.NewReader(sb.String())), "writing stats to %s", path)
}
