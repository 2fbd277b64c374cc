package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ArrEssJay/chimera-sub003/internal/config"
	"github.com/ArrEssJay/chimera-sub003/internal/sim"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds the HTTP API handlers and the state of the background
// sweep. Only one sweep runs at a time.
type Handlers struct {
	defaults config.Config
	wsHub    *WSHub
	metrics  *Metrics

	mu        sync.Mutex
	sweep     *sweepState
	lastSweep *sim.SweepResult
}

type sweepState struct {
	id      string
	cancel  context.CancelFunc
	started time.Time
	points  int
	done    int // finished sweep points
	trials  int // finished trials at the current point
	total   int // trials per point
}

// NewHandlers creates API handlers that fill omitted request fields from
// defaults.
func NewHandlers(defaults config.Config, metrics *Metrics) *Handlers {
	h := &Handlers{
		defaults: defaults,
		wsHub:    NewWSHub(),
		metrics:  metrics,
	}
	h.wsHub.onChange = func(n int) { metrics.wsConnections.Set(float64(n)) }
	return h
}

// Hub returns the WebSocket hub.
func (h *Handlers) Hub() *WSHub { return h.wsHub }

// HandleWebSocket upgrades the connection and keeps it registered until
// the client goes away. Client messages are ignored.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[ws] upgrade: %v", err)
		return
	}

	h.wsHub.AddClient(conn)

	go func() {
		defer h.wsHub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleSimulate runs one simulation synchronously. The body is a
// simulation config; omitted fields keep their defaults.
func (h *Handlers) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg := h.defaults.Simulation
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse request: %v", err))
		return
	}

	rep, err := sim.Run(cfg)
	if err != nil {
		h.metrics.ObserveRejected()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.metrics.ObserveReport(rep)
	h.wsHub.BroadcastLog("info", fmt.Sprintf("run %s: %s", rep.RunID, rep.DecodeStatus))
	writeJSON(w, http.StatusOK, rep)
}

type sweepRequest struct {
	Simulation config.Simulation `json:"simulation"`
	Sweep      config.Sweep      `json:"sweep"`
}

// HandleSweep starts a background sweep (POST) or returns the last
// finished one (GET). Progress is pushed over the WebSocket.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.mu.Lock()
		last := h.lastSweep
		h.mu.Unlock()
		if last == nil {
			writeError(w, http.StatusNotFound, "no finished sweep")
			return
		}
		writeJSON(w, http.StatusOK, last)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req := sweepRequest{Simulation: h.defaults.Simulation, Sweep: h.defaults.Sweep}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse request: %v", err))
		return
	}
	if limit := h.defaults.Server.SweepWorkers; limit > 0 && (req.Sweep.Workers == 0 || req.Sweep.Workers > limit) {
		req.Sweep.Workers = limit
	}
	if err := req.Sweep.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Simulation.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mu.Lock()
	if h.sweep != nil {
		id := h.sweep.id
		h.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("sweep %s already running", id))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &sweepState{
		id:      uuid.NewString(),
		cancel:  cancel,
		started: time.Now(),
		points:  len(req.Sweep.Points()),
		total:   req.Sweep.Trials,
	}
	h.sweep = st
	h.mu.Unlock()

	h.metrics.activeSweeps.Inc()
	go h.runSweep(ctx, st, req)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "started",
		"sweep_id": st.id,
		"points":   st.points,
		"trials":   st.total,
	})
}

func (h *Handlers) runSweep(ctx context.Context, st *sweepState, req sweepRequest) {
	defer func() {
		st.cancel()
		h.metrics.activeSweeps.Dec()
		h.mu.Lock()
		h.sweep = nil
		h.mu.Unlock()
	}()

	h.wsHub.BroadcastStatus("sweeping", fmt.Sprintf("sweep %s: %d points x %d trials", st.id, st.points, st.total))
	sp := sim.SweepParams{
		Sweep: req.Sweep,
		ID:    st.id,
		OnTrial: func(point, done, total int) {
			h.mu.Lock()
			st.trials = done
			p := h.progressLocked(st)
			h.mu.Unlock()
			h.wsHub.BroadcastProgress(p)
		},
		OnPoint: func(pt sim.SweepPoint) {
			h.mu.Lock()
			st.done++
			st.trials = 0
			h.mu.Unlock()
			h.wsHub.BroadcastPoint(st.id, pt)
		},
	}

	res, err := sim.Sweep(ctx, req.Simulation, sp)
	switch {
	case errors.Is(err, context.Canceled):
		h.metrics.sweepsTotal.WithLabelValues("cancelled").Inc()
		h.wsHub.BroadcastStatus("cancelled", fmt.Sprintf("sweep %s cancelled", st.id))
		return
	case err != nil:
		h.metrics.sweepsTotal.WithLabelValues("failed").Inc()
		log.Errorf("[server] sweep %s: %v", st.id, err)
		h.wsHub.BroadcastStatus("error", fmt.Sprintf("sweep %s failed: %v", st.id, err))
		return
	}

	h.metrics.sweepsTotal.WithLabelValues("completed").Inc()
	h.mu.Lock()
	h.lastSweep = res
	h.mu.Unlock()
	h.wsHub.BroadcastStatus("completed", fmt.Sprintf("sweep %s finished in %.1fs", st.id, res.Duration))
}

// progressLocked must be called with h.mu held.
func (h *Handlers) progressLocked(st *sweepState) ProgressPayload {
	p := ProgressPayload{
		SweepID: st.id,
		Point:   st.done,
		Points:  st.points,
		Done:    st.trials,
		Total:   st.total,
	}
	if all := st.points * st.total; all > 0 {
		p.Progress = float64(st.done*st.total+st.trials) / float64(all)
	}
	return p
}

// HandleSweepCancel stops the running sweep.
func (h *Handlers) HandleSweepCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.mu.Lock()
	st := h.sweep
	h.mu.Unlock()
	if st == nil {
		writeError(w, http.StatusNotFound, "no sweep running")
		return
	}
	st.cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "sweep_id": st.id})
}

func (h *Handlers) stopSweep() {
	h.mu.Lock()
	if h.sweep != nil {
		h.sweep.cancel()
	}
	h.mu.Unlock()
}

// HandleStatus reports whether a sweep is running.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	resp := map[string]any{
		"status":  "idle",
		"clients": h.wsHub.Clients(),
	}
	if st := h.sweep; st != nil {
		resp["status"] = "sweeping"
		resp["sweep"] = h.progressLocked(st)
		resp["elapsed_s"] = time.Since(st.started).Seconds()
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// HandleDefaultConfig returns the configuration requests are merged over.
func (h *Handlers) HandleDefaultConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.defaults)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}
