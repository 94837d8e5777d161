package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

func TestArrayCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := &ArrayCommand{
		Readers:  4,
		Size:     64,
		GrowTo:   256,
		Duration: 100 * time.Millisecond,
		Convert:  true,
		Logger:   testr.New(t),
		Stdout:   &out,
	}
	require.NoError(t, cmd.Run(context.Background()))
	require.Contains(t, out.String(), "ArrayStats{")
	require.Contains(t, out.String(), "LockStats{")
}

func TestArrayCommand_Validate(t *testing.T) {
	cmd := &ArrayCommand{Readers: 1, Size: 10, GrowTo: 5, Duration: time.Second}
	require.ErrorContains(t, cmd.Run(context.Background()), "grow-to")
}

func TestHashCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := &HashCommand{
		Readers:  4,
		Keys:     128,
		Duration: 100 * time.Millisecond,
		Logger:   testr.New(t),
		Stdout:   &out,
	}
	require.NoError(t, cmd.Run(context.Background()))
	require.Contains(t, out.String(), "HashStats{")
}

func TestRootCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	rc := NewRootCommand(nil, &stdout, &stderr)
	rc.SetArgs([]string{"hash", "--readers", "2", "--keys", "16", "--duration", "50ms", "--json", "-v", "4"})
	require.NoError(t, rc.Execute())
	require.Contains(t, stdout.String(), "lookups:")
	require.Contains(t, stderr.String(), `"msg":"layout change started"`)

	rc = NewRootCommand(nil, &stdout, &stderr)
	rc.SetArgs([]string{"array", "--readers", "0"})
	require.Error(t, rc.Execute())
}

func TestRootCommand_StatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.txt")
	var stdout, stderr bytes.Buffer
	rc := NewRootCommand(nil, &stdout, &stderr)
	rc.SetArgs([]string{"array", "--size", "16", "--grow-to", "64", "--duration", "50ms", "--stats-file", path})
	require.NoError(t, rc.Execute())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "ArrayStats{")
	require.Contains(t, stdout.String(), string(data))
}
