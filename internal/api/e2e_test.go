package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapesim/internal/account"
	"tapesim/internal/api"
	"tapesim/internal/historical"
	"tapesim/internal/orderbook"
	"tapesim/internal/replay"
	"tapesim/internal/stream"
)

const (
	testSymbol = "ABCD"
	testDay    = "2024-03-04"
)

// testEnv holds the components behind one test server.
type testEnv struct {
	server  *httptest.Server
	srv     *api.Server
	session *replay.Session
	day     *historical.Day
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := historical.DefaultSyntheticConfig(testSymbol, testDay)
	cfg.Seconds = 120
	day, err := historical.NewSyntheticGeneratorWithSeed(3).GenerateDay(cfg)
	require.NoError(t, err)
	require.NoError(t, historical.WriteDay(dir, day))

	sched := stream.NewScheduler(nil)
	sched.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	store := historical.NewStore(dir, nil)
	hub := api.NewHub(nil)
	session := replay.NewSession(replay.Deps{
		Store:       store,
		Scheduler:   sched,
		Engine:      orderbook.NewEngine(orderbook.DefaultConfig(), account.DefaultSettings()),
		Broadcaster: hub,
	}, replay.Options{})

	srv := api.NewServer(api.Deps{
		Store:     store,
		Scheduler: sched,
		Session:   session,
		Hub:       hub,
	}, api.Options{})
	server := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		server.Close()
		srv.Shutdown()
	})
	return &testEnv{server: server, srv: srv, session: session, day: day}
}

func (e *testEnv) get(t *testing.T, path string, query url.Values) *http.Response {
	t.Helper()
	u := e.server.URL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) send(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func dayQuery(extra map[string]string) url.Values {
	q := url.Values{"symbol": {testSymbol}, "day": {testDay}}
	for k, v := range extra {
		q.Set(k, v)
	}
	return q
}

func detail(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[map[string]string](t, resp)["detail"]
}

func TestCatalog(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.get(t, "/api/catalog", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Items []historical.CatalogItem `json:"items"`
	}](t, resp)
	require.Len(t, body.Items, 1)
	assert.Equal(t, testSymbol, body.Items[0].Symbol)
	assert.Equal(t, testDay, body.Items[0].Day)
	assert.Equal(t, env.day.Bars[0].Timestamp, body.Items[0].StartTS)

	resp = env.get(t, "/api/catalog", url.Values{"limit": {"0"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetadata(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.get(t, "/api/metadata", dayQuery(map[string]string{"tf": "1m"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "1m", body["tf"])
	lo, hi, _ := env.day.Bounds()
	assert.EqualValues(t, lo, body["start_ns"])
	assert.EqualValues(t, hi, body["end_ns"])

	resp = env.get(t, "/api/metadata", dayQuery(map[string]string{"tf": "2m"}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.get(t, "/api/metadata", dayQuery(map[string]string{"symbol": "WXYZ"}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, detail(t, resp), "symbol=WXYZ")

	resp = env.get(t, "/api/metadata", dayQuery(map[string]string{"day": "2024-03-05"}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, detail(t, resp), "2024-03-05")
}

func TestSnapshot(t *testing.T) {
	env := setupTestEnv(t)
	bar := env.day.Bars[10]

	tests := []struct {
		name  string
		query url.Values
		want  int64
	}{
		{"exact ns", dayQuery(map[string]string{"ts_ns": fmt.Sprint(bar.Timestamp)}), bar.Timestamp},
		{"snapped ns", dayQuery(map[string]string{"ts_ns": fmt.Sprint(bar.Timestamp + 1)}), bar.Timestamp},
		{"wall time", dayQuery(map[string]string{"ts": historicalWallTime(t, bar.Timestamp)}), bar.Timestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.get(t, "/api/snapshot", tt.query)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			snap := decode[historical.Snapshot](t, resp)
			assert.Equal(t, tt.want, snap.Effective)
			require.NotNil(t, snap.Book)
			assert.LessOrEqual(t, snap.BookTS, snap.Effective)
			for _, tr := range snap.Trades {
				assert.LessOrEqual(t, tr.Timestamp, snap.Effective)
			}
		})
	}

	resp := env.get(t, "/api/snapshot", dayQuery(nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.get(t, "/api/snapshot", dayQuery(map[string]string{"ts": "yesterday"}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, detail(t, resp), "yesterday")

	resp = env.get(t, "/api/snapshot", dayQuery(map[string]string{"ts_ns": fmt.Sprint(env.day.Bars[0].Timestamp - 1)}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, detail(t, resp), "Selected time does not exist in data range.")
}

func historicalWallTime(t *testing.T, ts int64) string {
	t.Helper()
	loc, err := historical.LoadLocation(historical.DefaultTimezone)
	require.NoError(t, err)
	return time.Unix(0, ts).In(loc).Format("2006-01-02T15:04:05")
}

func TestCandlesWindow(t *testing.T) {
	env := setupTestEnv(t)
	end := env.day.Bars[len(env.day.Bars)-1].Timestamp

	resp := env.get(t, "/api/candles_window", dayQuery(map[string]string{"end_ts_ns": fmt.Sprint(end), "bars": "5"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	win := decode[historical.CandleWindow](t, resp)
	assert.Equal(t, end, win.EndEffective)
	require.NotEmpty(t, win.Candles)
	assert.GreaterOrEqual(t, win.Candles[0].Timestamp, end-5*int64(time.Second))

	for _, bars := range []string{"0", "5001", "x"} {
		resp = env.get(t, "/api/candles_window", dayQuery(map[string]string{"end_ts_ns": fmt.Sprint(end), "bars": bars}))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bars)
	}
	resp = env.get(t, "/api/candles_window", dayQuery(nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamSSE(t *testing.T) {
	env := setupTestEnv(t)
	start := env.day.Bars[100].Timestamp

	resp := env.get(t, "/api/stream", dayQuery(map[string]string{"start_ts_ns": fmt.Sprint(start), "speed": "0"}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.get(t, "/api/stream", dayQuery(map[string]string{
		"start_ts_ns": fmt.Sprint(start),
		"speed":       "1000",
		"what":        "booktrades",
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	require.True(t, sc.Scan())
	assert.Equal(t, "retry: 1000", sc.Text())

	var (
		types []string
		prev  int64
	)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg struct {
			Type      string `json:"type"`
			Timestamp int64  `json:"ts_event"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		types = append(types, msg.Type)
		if msg.Type != "eos" {
			assert.GreaterOrEqual(t, msg.Timestamp, prev)
			assert.GreaterOrEqual(t, msg.Timestamp, start)
			prev = msg.Timestamp
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, "eos", types[len(types)-1])
	assert.NotContains(t, types, "candle")
}

func TestSessionTrading(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.send(t, http.MethodPost, "/api/orders", map[string]any{"side": "BUY", "type": "MARKET", "qty": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, detail(t, resp), "no replay loaded")

	at := env.day.Bars[60].Timestamp
	resp = env.send(t, http.MethodPost, "/api/session/load", map[string]any{
		"symbol": testSymbol,
		"day":    testDay,
		"ts_ns":  at,
		"charts": []string{"1s", "10s"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[replay.Status](t, resp)
	require.NotNil(t, st.Playhead)
	assert.Equal(t, at, *st.Playhead)
	assert.Contains(t, st.Charts, "10s")

	resp = env.send(t, http.MethodPost, "/api/orders", map[string]any{"side": "SELL", "type": "MARKET", "qty": 5})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, detail(t, resp), "shorting is disabled")

	resp = env.send(t, http.MethodPost, "/api/orders", map[string]any{"side": "BUY", "type": "MARKET", "qty": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	o := decode[orderbook.Order](t, resp)
	assert.Equal(t, orderbook.StatusFilled, o.Status)
	assert.Equal(t, testSymbol, o.Symbol)

	resp = env.send(t, http.MethodPost, "/api/orders", map[string]any{"side": "SELL", "type": "LIMIT", "qty": 10, "limit_px": 999})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resting := decode[orderbook.Order](t, resp)
	assert.Equal(t, orderbook.StatusOpen, resting.Status)

	resp = env.get(t, "/api/fills", nil)
	fills := decode[[]orderbook.Fill](t, resp)
	assert.NotEmpty(t, fills)

	resp = env.get(t, "/api/positions", nil)
	positions := decode[[]account.Position](t, resp)
	require.Len(t, positions, 1)
	assert.EqualValues(t, 10, positions[0].Shares)

	resp = env.send(t, http.MethodDelete, "/api/orders/"+resting.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, orderbook.StatusCancelled, decode[orderbook.Order](t, resp).Status)

	resp = env.send(t, http.MethodDelete, "/api/orders/O404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.get(t, "/api/orders/O404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.send(t, http.MethodPost, "/api/orders", map[string]any{"side": "SIDEWAYS", "type": "MARKET", "qty": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.send(t, http.MethodPost, "/api/orders", map[string]any{"side": "BUY", "type": "LIMIT", "qty": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.get(t, "/api/orders", nil)
	assert.Len(t, decode[[]orderbook.Order](t, resp), 2)

	resp = env.get(t, "/api/session", nil)
	status := decode[replay.Status](t, resp)
	assert.Len(t, status.Orders, 2)
	assert.Equal(t, len(fills), len(status.Fills))
}

func TestSettings(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.get(t, "/api/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, account.DefaultSettings(), decode[account.Settings](t, resp))

	resp = env.send(t, http.MethodPut, "/api/settings", map[string]any{"allow_shorting": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Settings  account.Settings  `json:"settings"`
		Cancelled []orderbook.Order `json:"cancelled"`
	}](t, resp)
	assert.True(t, body.Settings.AllowShorting)
	assert.True(t, body.Settings.BuyingPowerEnabled)
	assert.Empty(t, body.Cancelled)

	resp = env.send(t, http.MethodPut, "/api/settings", map[string]any{"buying_power": -5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlayPause(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.send(t, http.MethodPost, "/api/session/play", map[string]any{"speed": 2})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.send(t, http.MethodPost, "/api/session/load", map[string]any{"symbol": testSymbol, "day": testDay})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.send(t, http.MethodPost, "/api/session/play", map[string]any{"speed": -1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.send(t, http.MethodPost, "/api/session/play", map[string]any{"speed": 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return env.session.State() == replay.StatePaused
	}, 5*time.Second, 10*time.Millisecond)

	resp = env.send(t, http.MethodPost, "/api/session/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[replay.Status](t, resp)
	assert.Equal(t, replay.StatePaused, st.State)
	_, hi, _ := env.day.Bounds()
	require.NotNil(t, st.Playhead)
	assert.Equal(t, hi, *st.Playhead)
}

func TestWebSocketReceivesStatusAndUpdates(t *testing.T) {
	env := setupTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	first := read()
	assert.Equal(t, replay.UpdateStatus, first["type"])

	require.Eventually(t, func() bool { return env.srv.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)
	resp := env.send(t, http.MethodPost, "/api/session/load", map[string]any{"symbol": testSymbol, "day": testDay})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg := read()
	assert.Equal(t, replay.UpdateStatus, msg["type"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, testSymbol, data["symbol"])
}
