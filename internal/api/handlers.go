// Package api provides the HTTP surface for ad-hoc reads and meter
// inspection.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gridpulse/metergate/internal/adapter/modbus"
	"github.com/gridpulse/metergate/internal/domain"
	"github.com/gridpulse/metergate/internal/service"
	"github.com/rs/zerolog"
)

// Handlers exposes the gateway over HTTP.
type Handlers struct {
	reader *modbus.Reader
	poller *service.Poller
	pool   *modbus.Pool
	policy modbus.ReadPolicy
	logger zerolog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(reader *modbus.Reader, poller *service.Poller, pool *modbus.Pool, policy modbus.ReadPolicy, logger zerolog.Logger) *Handlers {
	return &Handlers{
		reader: reader,
		poller: poller,
		pool:   pool,
		policy: policy,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Register attaches the routes to a mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/read", h.handleRead)
	mux.HandleFunc("GET /api/meters", h.handleListMeters)
	mux.HandleFunc("GET /api/meters/{id}", h.handleMeterStatus)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/registers", h.handleListRegisters)
}

// readRequest is the body of POST /api/read.
type readRequest struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	UnitID    int      `json:"unit_id"`
	Registers []string `json:"registers,omitempty"`
}

// errorResponse is the common error payload.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// handleRead performs an ad-hoc read against an arbitrary device,
// bypassing the polling schedule but sharing the connection pool.
func (h *Handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}

	if req.UnitID < 0 || req.UnitID > int(domain.MaxUnitID) {
		writeError(w, http.StatusBadRequest, domain.ErrAddressUnitInvalid, "")
		return
	}
	addr := domain.NewDeviceAddress(req.Host, req.Port, uint8(req.UnitID))
	if err := addr.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}

	var registers []domain.RegisterDescriptor
	if len(req.Registers) > 0 {
		var err error
		registers, err = domain.RegistersByName(req.Registers)
		if err != nil {
			writeError(w, http.StatusBadRequest, err, "")
			return
		}
	}

	start := time.Now()
	reading, err := h.reader.ReadMeter(r.Context(), addr, registers, h.policy)
	if err != nil {
		kind := domain.KindOf(err)
		h.logger.Warn().
			Err(err).
			Str("device", addr.String()).
			Msg("Ad-hoc read failed")
		writeError(w, statusForKind(kind), err, string(kind))
		return
	}

	h.logger.Debug().
		Str("device", addr.String()).
		Bool("overall_success", reading.OverallSuccess).
		Dur("duration", time.Since(start)).
		Msg("Ad-hoc read completed")

	writeJSON(w, http.StatusOK, reading)
}

// handleListMeters returns the registered meters.
func (h *Handlers) handleListMeters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.poller.Meters())
}

// handleMeterStatus returns polling status for one meter.
func (h *Handlers) handleMeterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.poller.MeterStatus(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrMeterNotFound) {
			writeError(w, http.StatusNotFound, err, "")
			return
		}
		writeError(w, http.StatusInternalServerError, err, "")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// statsResponse combines poller and pool statistics.
type statsResponse struct {
	Polling service.StatsSnapshot `json:"polling"`
	Pool    modbus.PoolStats      `json:"pool"`
}

// handleStats returns runtime statistics.
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Polling: h.poller.Stats(),
		Pool:    h.pool.Stats(),
	})
}

// handleListRegisters returns the register map.
func (h *Handlers) handleListRegisters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.DefaultRegisterSet())
}

// statusForKind maps error kinds to HTTP status codes.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindConnectionRefused:
		return http.StatusBadGateway
	case domain.KindPoolExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error, kind string) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}
