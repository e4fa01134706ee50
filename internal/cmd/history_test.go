package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/ralph/internal/history"
	"github.com/harrison/ralph/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeHistory(t *testing.T, root string, args ...string) string {
	t.Helper()
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", filepath.Join(root, ".ralph", "config.yaml"), "history"}, args...))
	require.NoError(t, cmd.Execute())
	return buf.String()
}

func TestHistory_NoDatabase(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RALPH_HOME", root)

	out := executeHistory(t, root)

	assert.Contains(t, out, "No history recorded yet")
	_, err := os.Stat(filepath.Join(root, ".ralph", "history.db"))
	assert.True(t, os.IsNotExist(err), "history must not create the database")
}

func TestHistory_ListsRecords(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RALPH_HOME", root)

	store, err := history.Open(filepath.Join(root, ".ralph", "history.db"))
	require.NoError(t, err)

	started := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	records := []models.IterationRecord{
		{RunID: "0a1b2c3d-aaaa-bbbb-cccc-000000000001", Iteration: 1, Attempt: 1, StartedAt: started, Duration: 90 * time.Second, Kind: models.KindNormal, RemainingBefore: 3, RemainingAfter: 2},
		{RunID: "0a1b2c3d-aaaa-bbbb-cccc-000000000001", Iteration: 2, Attempt: 1, StartedAt: started.Add(2 * time.Minute), Duration: 5 * time.Second, Kind: models.KindRateLimited, WaitSeconds: 1800, RemainingBefore: 2, RemainingAfter: 2},
		{RunID: "0a1b2c3d-aaaa-bbbb-cccc-000000000001", Iteration: 2, Attempt: 2, StartedAt: started.Add(40 * time.Minute), Duration: time.Minute, ExitCode: 1, Kind: models.KindNormal, RemainingBefore: 2, RemainingAfter: -1},
	}
	for _, rec := range records {
		require.NoError(t, store.Record(context.Background(), rec))
	}
	require.NoError(t, store.Close())

	out := executeHistory(t, root, "--limit", "2")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[0], "ITER")
	// Newest first, limited to two rows.
	assert.Contains(t, lines[1], "2 -> ?")
	assert.Contains(t, lines[2], "rate_limited")
	assert.Contains(t, lines[2], "30m0s")
	assert.NotContains(t, out, "3 -> 2")

	assert.Contains(t, out, "Runs:")
	assert.Contains(t, out, "0a1b2c3d  ")
	assert.Contains(t, out, "3 invocation(s), 1 rate limited, 1 worker failure(s)")
}

func TestHistory_NoRunsSummary(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RALPH_HOME", root)

	store, err := history.Open(filepath.Join(root, ".ralph", "history.db"))
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), models.IterationRecord{
		RunID: "run-1", Iteration: 1, Attempt: 1, StartedAt: time.Now(), Kind: models.KindCompleted,
	}))
	require.NoError(t, store.Close())

	out := executeHistory(t, root, "--runs", "0")

	assert.Contains(t, out, "completed")
	assert.NotContains(t, out, "Runs:")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0a1b2c3d", shortID("0a1b2c3d-aaaa-bbbb"))
	assert.Equal(t, "run-1", shortID("run-1"))
}

func TestHistory_SingleRun(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RALPH_HOME", root)

	store, err := history.Open(filepath.Join(root, ".ralph", "history.db"))
	require.NoError(t, err)
	started := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	for _, rec := range []models.IterationRecord{
		{RunID: "0a1b2c3d-aaaa-bbbb-cccc-000000000001", Iteration: 1, Attempt: 1, StartedAt: started, Kind: models.KindNormal, RemainingBefore: 3, RemainingAfter: 2},
		{RunID: "ffff0000-aaaa-bbbb-cccc-000000000002", Iteration: 1, Attempt: 1, StartedAt: started.Add(time.Hour), Kind: models.KindNormal, RemainingBefore: 9, RemainingAfter: 8},
		{RunID: "0a1b2c3d-aaaa-bbbb-cccc-000000000001", Iteration: 2, Attempt: 1, StartedAt: started.Add(time.Minute), Kind: models.KindRateLimited, WaitSeconds: 60, RemainingBefore: 2, RemainingAfter: 2},
		{RunID: "0a1b2c3d-aaaa-bbbb-cccc-000000000001", Iteration: 2, Attempt: 2, StartedAt: started.Add(3 * time.Minute), Kind: models.KindCompleted, RemainingBefore: 2, RemainingAfter: 0},
	} {
		require.NoError(t, store.Record(context.Background(), rec))
	}
	require.NoError(t, store.Close())

	out := executeHistory(t, root, "--run", "0a1b2c3d")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	// Oldest first within the run.
	assert.Contains(t, lines[1], "3 -> 2")
	assert.Contains(t, lines[2], "rate_limited")
	assert.Contains(t, lines[3], "2 -> 0")
	assert.NotContains(t, out, "9 -> 8")
	assert.NotContains(t, out, "Runs:")
	assert.Contains(t, out, "3 invocation(s), 1 rate limited, 0 worker failure(s)")
}

func TestHistory_UnknownRun(t *testing.T) {
	root := t.TempDir()
	t.Setenv("RALPH_HOME", root)

	store, err := history.Open(filepath.Join(root, ".ralph", "history.db"))
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), models.IterationRecord{
		RunID: "run-1", Iteration: 1, Attempt: 1, StartedAt: time.Now(), Kind: models.KindCompleted,
	}))
	require.NoError(t, store.Close())

	cmd := NewRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config", filepath.Join(root, ".ralph", "config.yaml"), "history", "--run", "missing"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no iterations recorded for run "missing"`)
}
