package api

import (
	"errors"
	"net/http"
	"strings"

	"tapesim/internal/historical"
	"tapesim/internal/stream"
)

// dayQuery holds the parameters every dataset endpoint shares.
type dayQuery struct {
	key historical.Key
	tz  string
}

func (s *Server) parseDayQuery(r *http.Request) (dayQuery, error) {
	q := r.URL.Query()
	symbol := strings.TrimSpace(q.Get("symbol"))
	day := strings.TrimSpace(q.Get("day"))
	if symbol == "" || day == "" {
		return dayQuery{}, badRequest("symbol and day are required")
	}
	tf := historical.TF1s
	if raw := q.Get("tf"); raw != "" {
		var err error
		if tf, err = historical.ParseTimeframe(raw); err != nil {
			return dayQuery{}, err
		}
	}
	tz := q.Get("tz_name")
	if tz == "" {
		tz = s.opts.TZ
	}
	return dayQuery{
		key: historical.Key{Symbol: symbol, Day: day, Dir: q.Get("data_dir"), Timeframe: tf},
		tz:  tz,
	}, nil
}

// parseTimestamp reads a nanosecond parameter, falling back to a datetime
// string in tz. The first name found wins.
func parseTimestamp(r *http.Request, tz string, nsNames ...string) (int64, error) {
	for _, name := range nsNames {
		ts, ok, err := queryInt64(r, name)
		if err != nil {
			return 0, err
		}
		if ok {
			return ts, nil
		}
	}
	text := r.URL.Query().Get("ts")
	if text == "" {
		return 0, badRequest("Provide either ts or %s", nsNames[0])
	}
	return historical.ParseTimestamp(text, tz)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultCatalogLimit, 1, MaxCatalogLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dir := r.URL.Query().Get("data_dir")
	if dir == "" {
		dir = s.store.Dir()
	}
	tz := r.URL.Query().Get("tz_name")
	if tz == "" {
		tz = s.opts.TZ
	}
	items, err := s.catalog.Scan(r.Context(), dir, tz, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_dir": dir,
		"tz_name":  tz,
		"items":    items,
	})
}

type metadataResponse struct {
	Symbol    string               `json:"symbol"`
	Day       string               `json:"day"`
	TZ        string               `json:"tz_name"`
	DataDir   string               `json:"data_dir"`
	Timeframe historical.Timeframe `json:"tf"`
	StartNS   int64                `json:"start_ns"`
	EndNS     int64                `json:"end_ns"`
	BarTimes  []int64              `json:"ohlcv_ts"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	dq, err := s.parseDayQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	day, err := s.store.LoadKey(r.Context(), dq.key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lo, hi, _ := day.Bounds()
	writeJSON(w, http.StatusOK, metadataResponse{
		Symbol:    day.Symbol,
		Day:       day.Date,
		TZ:        dq.tz,
		DataDir:   day.Dir,
		Timeframe: day.Timeframe,
		StartNS:   lo,
		EndNS:     hi,
		BarTimes:  day.BarTimestamps(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	dq, err := s.parseDayQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	day, err := s.store.LoadKey(r.Context(), dq.key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ts, err := parseTimestamp(r, dq.tz, "ts_ns")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := day.SnapshotAt(ts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCandlesWindow(w http.ResponseWriter, r *http.Request) {
	dq, err := s.parseDayQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, ok, err := queryInt64(r, "end_ts_ns")
	if err == nil && !ok {
		err = badRequest("end_ts_ns is required")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bars, err := queryInt(r, "bars", DefaultWindowBars, 1, MaxWindowBars)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	day, err := s.store.LoadKey(r.Context(), dq.key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	win, err := day.CandlesEndingAt(end, bars)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

// handleStream replays a day as server-sent events from a resolved start.
// The stream ends with an eos event or when the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	dq, err := s.parseDayQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	speed, err := queryFloat(r, "speed", 1)
	if err == nil && !(speed > 0) {
		err = badRequest("speed must be positive")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	day, err := s.store.LoadKey(r.Context(), dq.key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ts, err := parseTimestamp(r, dq.tz, "start_ts_ns", "ts_ns")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, _, err := day.ResolveEffective(ts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := stream.WriteRetry(w, sseRetryMillis); err != nil {
		return
	}
	flusher.Flush()

	opts := stream.Options{Start: start, Speed: speed, Channel: stream.ParseChannel(r.URL.Query().Get("what"))}
	err = s.sched.Run(r.Context(), day, opts, func(m stream.Message) error {
		if err := stream.WriteSSE(w, m); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug("stream client gone", "symbol", day.Symbol, "err", err)
	}
}
