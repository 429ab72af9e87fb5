package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tapesim/internal/account"
	"tapesim/internal/historical"
	"tapesim/internal/orderbook"
	"tapesim/internal/replay"
)

// loadRequest accepts ts_ns or a datetime string in tz_name.
type loadRequest struct {
	replay.LoadRequest
	TS string `json:"ts"`
	TZ string `json:"tz_name"`
}

type playRequest struct {
	Speed *float64 `json:"speed"`
}

type settingsResponse struct {
	Settings  account.Settings  `json:"settings"`
	Cancelled []orderbook.Order `json:"cancelled"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Timestamp == 0 && req.TS != "" {
		tz := req.TZ
		if tz == "" {
			tz = s.opts.TZ
		}
		ts, err := historical.ParseTimestamp(req.TS, tz)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.Timestamp = ts
	}
	st, err := s.session.Load(r.Context(), req.LoadRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	speed := 1.0
	if req.Speed != nil {
		speed = *req.Speed
	}
	st, err := s.session.Play(r.Context(), speed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Pause())
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.session.PlaceOrder(req)
	if err != nil {
		s.logger.Info("order rejected", "side", req.Side.String(), "type", req.Type.String(), "qty", req.Quantity, "reason", err.Error())
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) getOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Orders())
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, ok := s.session.Order(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "order not found: " + id})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.session.CancelOrder(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) getFills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Fills())
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Positions())
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Settings())
}

// putSettings merges the body over the current settings, so omitted
// fields keep their values.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.session.Settings()
	if err := decodeBody(r, &settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.session.UpdateSettings(settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cancelled == nil {
		cancelled = []orderbook.Order{}
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: s.session.Settings(), Cancelled: cancelled})
}
