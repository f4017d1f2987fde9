package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
)

func memoryEngine(t *testing.T) *app.Engine {
	t.Helper()
	cfg := &app.Config{
		StoreDriver:          app.StoreDriverMemory,
		LedgerAmountScale:    2,
		LedgerBaseCurrency:   "USD",
		IdempotencyRetention: time.Hour,
		StockLockBackend:     app.LockBackendLocal,
		StockLockWait:        time.Second,
	}
	require.NoError(t, cfg.Validate())
	engine, err := app.BuildEngine(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), app.EngineOptions{})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

const fifoScript = `{
  "year": 2025,
  "method": "FIFO",
  "steps": [
    {"op": "receive", "item": "BOLT", "warehouse": "MAIN", "qty": "3", "unit_cost": "2", "date": "2025-03-02"},
    {"op": "receive", "item": "BOLT", "warehouse": "MAIN", "qty": "5", "unit_cost": "2.5", "date": "2025-03-03"},
    {"op": "issue", "item": "BOLT", "warehouse": "MAIN", "qty": "5", "date": "2025-03-10"},
    {"op": "transfer", "item": "BOLT", "warehouse": "MAIN", "to": "EAST", "qty": "1", "date": "2025-03-11"},
    {"op": "reserve", "item": "BOLT", "warehouse": "MAIN", "qty": "1", "date": "2025-03-12"}
  ]
}`

func TestReplayFIFOScriptJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := ReplayCommand(context.Background(), memoryEngine(t), ReplayOptions{
		Script:     strings.NewReader(fifoScript),
		JSONOutput: true,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	require.Equal(t, 0, code, stderr.String())

	var summary ReplaySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Len(t, summary.Steps, 5)
	assert.Equal(t, "11", summary.Steps[2].Cost.String())
	assert.Equal(t, "2.5", summary.Steps[3].Cost.String())
	assert.Equal(t, "11", summary.COGS.String())
	assert.True(t, summary.Balanced)

	require.Len(t, summary.Positions, 2)
	assert.Equal(t, "EAST", summary.Positions[0].Warehouse)
	assert.Equal(t, "1", summary.Positions[0].Quantity.String())
	assert.Equal(t, "MAIN", summary.Positions[1].Warehouse)
	assert.Equal(t, "2", summary.Positions[1].Quantity.String())
	assert.Equal(t, 1, summary.Positions[1].OpenLayers)
}

func TestReplayHumanOutput(t *testing.T) {
	var stdout bytes.Buffer
	code := ReplayCommand(context.Background(), memoryEngine(t), ReplayOptions{
		Script: strings.NewReader(fifoScript),
		Stdout: &stdout,
		Stderr: io.Discard,
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "Replay (FIFO): 5 step(s)")
	assert.Contains(t, stdout.String(), "ledger balanced: true")
}

func TestReplayFailsOnNegativeStock(t *testing.T) {
	var stderr bytes.Buffer
	script := `{"year": 2025, "method": "WA", "steps": [
	  {"op": "issue", "item": "NUT", "warehouse": "MAIN", "qty": "1", "date": "2025-02-01"}
	]}`
	code := ReplayCommand(context.Background(), memoryEngine(t), ReplayOptions{
		Script: strings.NewReader(script),
		Stdout: io.Discard,
		Stderr: &stderr,
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "step 1 (issue)")
}

func TestReplayRejectsBadInput(t *testing.T) {
	engine := memoryEngine(t)
	for _, script := range []string{
		`{`,
		`{"year": 2025, "steps": [{"op": "scrap", "item": "A", "warehouse": "W", "qty": "1", "date": "2025-01-02"}]}`,
		`{"year": 2025, "steps": [{"op": "receive", "item": "A", "warehouse": "W", "qty": "1", "unit_cost": "1", "date": "02/01/2025"}]}`,
	} {
		code := ReplayCommand(context.Background(), engine, ReplayOptions{
			Script: strings.NewReader(script),
			Stdout: io.Discard,
			Stderr: io.Discard,
		})
		assert.Equal(t, 1, code, script)
	}

	code := ReplayCommand(context.Background(), &app.Engine{}, ReplayOptions{Script: strings.NewReader(fifoScript), Stderr: io.Discard})
	assert.Equal(t, 1, code)
}
