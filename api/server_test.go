package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrove/upbot/bot"
	"github.com/quantrove/upbot/broker"
	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/journal"
	"github.com/quantrove/upbot/market"
	"github.com/quantrove/upbot/position"
	"github.com/quantrove/upbot/risk"
	"github.com/quantrove/upbot/store"
	"github.com/quantrove/upbot/strategies"
)

// testServer wires a full engine over the paper exchange and runs its
// loop so the command and status channels are live.
func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	inst := market.Instruments["KRW-BTC"]

	st, err := store.NewSQLite(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jrnl, err := journal.NewSQLite(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	paper := broker.NewPaper(inst, 10_000_000, 100_000_000, 0)
	ledger, err := risk.NewLedger(risk.DefaultConfig(inst), st, zerolog.Nop())
	require.NoError(t, err)
	machine, err := position.NewMachine("KRW-BTC", inst, paper, st, zerolog.Nop())
	require.NoError(t, err)
	strat, err := strategies.ByName("trend", strategies.Params{})
	require.NoError(t, err)

	engine := bot.NewEngine(bot.DefaultConfig("KRW-BTC"), inst, paper, ledger, machine,
		strat, indicators.NewTracker(indicators.DefaultTrackerConfig()),
		risk.DefaultStopConfig(), jrnl, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bars := make(chan market.Bar)
	go engine.Run(ctx, bars)

	return NewServer(":0", engine, jrnl, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := testServer(t)

	w, body := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	s := testServer(t)

	w, body := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "KRW-BTC", body["market"])
	assert.Equal(t, "trend-follow", body["strategy"])

	// Risk fields render snake_cased like the rest of the surface.
	riskBody, ok := body["risk"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, riskBody, "halt_state")
	assert.Contains(t, riskBody, "halt_reason")
	assert.Contains(t, riskBody, "realized_r_today")
}

func TestKillSwitchLifecycle(t *testing.T) {
	t.Parallel()
	s := testServer(t)

	w, body := do(t, s, http.MethodPost, "/killswitch", `{"reason": "fat finger"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(risk.HaltedKillSwitch), body["halt"])

	_, body = do(t, s, http.MethodGet, "/pnl", "")
	assert.Equal(t, string(risk.HaltedKillSwitch), body["halt"])
	assert.Equal(t, "fat finger", body["halt_reason"])

	w, _ = do(t, s, http.MethodDelete, "/killswitch", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Clearing twice conflicts: the switch is no longer engaged.
	w, _ = do(t, s, http.MethodDelete, "/killswitch", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPositionEndpointWhenFlat(t *testing.T) {
	t.Parallel()
	s := testServer(t)

	w, body := do(t, s, http.MethodGet, "/position", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, []any{"flat", "reconciling"}, body["state"])
}
