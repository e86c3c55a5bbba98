package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvsouth/lightor/config"
	"github.com/cvsouth/lightor/internal/dirtest"
)

func writeConfig(t *testing.T, cacheDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lightor.toml")
	body := fmt.Sprintf(`CacheDir = %q

[Refresh]
  Disable = true

[API]
  Disable = true

[Logging]
  StdoutLevel = "ERROR"
`, cacheDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupCache(t *testing.T, churn func(d *dirtest.Directory, consensus []byte) []byte) (*dirtest.Directory, string) {
	t.Helper()
	d := dirtest.New(dirtest.SharedAuthority(t), 12)
	dir := t.TempDir()
	var c []byte
	if churn != nil {
		c = churn(d, d.Consensus())
	}
	require.NoError(t, dirtest.WriteFiles(dir, d.Files(c)))
	return d, writeConfig(t, dir)
}

func TestCheckCommand(t *testing.T) {
	d, cfg := setupCache(t, nil)
	at := d.Now().Format(time.RFC3339)

	out, err := run(t, "check", "-f", cfg, "--at", at)
	require.NoError(t, err)
	require.Contains(t, out, "directory ok: 12 usable relays")
	require.Contains(t, out, "churn:        none")
	require.Contains(t, out, d.Authority.Identity)
}

func TestCheckCommandWithChurn(t *testing.T) {
	d, cfg := setupCache(t, func(d *dirtest.Directory, consensus []byte) []byte {
		return d.ChurnRelays(consensus, 2)
	})

	out, err := run(t, "check", "-f", cfg, "--at", d.Now().Format(time.RFC3339))
	require.NoError(t, err)
	require.Contains(t, out, "directory ok: 10 usable relays")
	require.Contains(t, out, "2 listed, 2 removed, bound 2")
}

func TestCheckCommandOutsideWindow(t *testing.T) {
	d, cfg := setupCache(t, nil)
	_, err := run(t, "check", "-f", cfg, "--at", d.ValidUntil.Add(time.Hour).Format(time.RFC3339))
	require.ErrorContains(t, err, "directory rejected (trust)")
}

func TestCheckCommandBadArguments(t *testing.T) {
	_, cfg := setupCache(t, nil)
	_, err := run(t, "check", "-f", cfg, "--at", "yesterday")
	require.ErrorContains(t, err, "invalid argument --at")

	_, err = run(t, "check", "-f", filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "failed to load config file")

	_, err = run(t, "check", "-f", cfg, "extra")
	require.Error(t, err)
}

func TestPathCommand(t *testing.T) {
	d, cfg := setupCache(t, nil)
	at := d.Now().Format(time.RFC3339)

	out, err := run(t, "path", "-f", cfg, "--at", at, "--port", "443", "--seed", "fixed", "--count", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	require.True(t, strings.HasPrefix(lines[0], "0 entry"))
	require.True(t, strings.HasPrefix(lines[1], "1 middle"))
	require.True(t, strings.HasPrefix(lines[2], "2 exit"))
	require.Empty(t, lines[3])

	again, err := run(t, "path", "-f", cfg, "--at", at, "--port", "443", "--seed", "fixed", "--count", "2")
	require.NoError(t, err)
	require.Equal(t, out, again)

	_, err = run(t, "path", "-f", cfg, "--at", at, "--port", "22")
	require.ErrorContains(t, err, "no suitable exit relay")
}

func TestFetchCommandDisabled(t *testing.T) {
	_, cfg := setupCache(t, nil)
	_, err := run(t, "fetch", "-f", cfg)
	require.ErrorContains(t, err, "downloads are disabled")
}

func TestNewLoggerWritesJSONFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "lightor.json")
	cfg := &config.Config{Logging: &config.Logging{File: file, Level: "DEBUG", StdoutLevel: "WARN"}}
	require.NoError(t, cfg.FixupAndValidate())

	var stdout bytes.Buffer
	logger, rotator := newLogger(cfg.Logging, &stdout)
	require.NotNil(t, rotator)
	logger.Debug("debug only in file", "k", 1)
	logger.Warn("everywhere")
	require.NoError(t, rotator.Close())

	require.NotContains(t, stdout.String(), "debug only in file")
	require.Contains(t, stdout.String(), "everywhere")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "debug only in file", rec["msg"])
	require.Equal(t, float64(1), rec["k"])
}

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h).With("load_id", "x").WithGroup("g")

	require.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	logger.Info("info message", "n", 1)
	logger.Error("error message")

	require.Contains(t, a.String(), "info message")
	require.Contains(t, a.String(), "load_id=x")
	require.Contains(t, a.String(), "g.n=1")
	require.Contains(t, a.String(), "error message")
	require.NotContains(t, b.String(), "info message")
	require.Contains(t, b.String(), "error message")
}
