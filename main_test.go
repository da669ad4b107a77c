package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsheet/config"
	"github.com/dhcgn/mailsheet/tableview"
)

const archiveEntry = "From bob@x.com Mon Oct  2 10:00:00 2023\n" +
	"From: Bob <bob@x.com>\nSubject: Weekly Report\nDate: Mon, 02 Oct 2023 10:00:00 +0000\nMIME-Version: 1.0\n" +
	"Content-Type: multipart/mixed; boundary=\"m\"\n\n" +
	"--m\nContent-Type: text/plain\n\nsee attachment\n" +
	"--m\nContent-Type: text/csv\nContent-Disposition: attachment; filename=\"report.csv\"\n\nregion,total\nnorth,12\n" +
	"--m--\n\n"

func offlineConfig(t *testing.T, archive string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(archive), 0o600))
	return config.Config{
		MboxPath:        path,
		Senders:         []string{"bob"},
		MaxAttachmentMB: 25,
		ScanLimit:       10,
		Interval:        time.Hour,
		RunTimeout:      5 * time.Second,
		ConnectTimeout:  time.Second,
		DisplayRows:     50,
		LogLevel:        "error",
		LogFormat:       "text",
	}
}

func execRunOnce(t *testing.T, cfg config.Config) (string, error) {
	t.Helper()
	logger, _, err := setupLogger(cfg, &bytes.Buffer{})
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err = runOnce(context.Background(), cmd, cfg, a)
	return out.String(), err
}

func TestRunOnceOffline(t *testing.T) {
	cfg := offlineConfig(t, archiveEntry)
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.StateDir = filepath.Join(t.TempDir(), "state")

	out, err := execRunOnce(t, cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "north")
	assert.Contains(t, out, "report.csv: 1 rows x 2 columns")

	written, err := filepath.Glob(filepath.Join(cfg.OutputDir, "*", "*", "*", "report.csv"))
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.FileExists(t, written[0]+".json")
	assert.FileExists(t, filepath.Join(cfg.StateDir, "delivered.jsonl"))
}

func TestRunOnceNothingFound(t *testing.T) {
	cfg := offlineConfig(t, archiveEntry)
	cfg.Senders = []string{"nobody@example.com"}

	out, err := execRunOnce(t, cfg)
	require.NoError(t, err)
	assert.Contains(t, out, tableview.NoData)
	assert.Contains(t, out, "no_qualifying_message")
}

func TestRunOnceFailedRunIsError(t *testing.T) {
	cfg := offlineConfig(t, archiveEntry)
	cfg.MboxPath = filepath.Join(t.TempDir(), "missing.mbox")

	_, err := execRunOnce(t, cfg)
	assert.Error(t, err)
}

func TestNewAppSinks(t *testing.T) {
	cfg := offlineConfig(t, archiveEntry)
	cfg.OutputDir = t.TempDir()

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"dir"}, a.sinks)
	assert.Equal(t, "mbox://"+cfg.MboxPath, a.source.String())
}

func TestNewAppRejectsBadSinkConfig(t *testing.T) {
	cfg := offlineConfig(t, archiveEntry)
	cfg.SendGridKey = "SG.key"

	_, err := newApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestSetupLoggerJSONWithLogDir(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	logger, cleanup, err := setupLogger(config.Config{LogLevel: "warn", LogFormat: "json", LogDir: dir}, &stdout)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NoError(t, cleanup())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	files, err := filepath.Glob(filepath.Join(dir, "mailsheet-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(content))
}

func TestSetupLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			var buf bytes.Buffer
			logger, _, err := setupLogger(config.Config{LogLevel: level, LogFormat: "text"}, &buf)
			require.NoError(t, err)
			logger.Error("boom")
			assert.Contains(t, buf.String(), fmt.Sprintf("msg=%s", "boom"))
		})
	}
}
