package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/bridge"
	"github.com/mjasion/balena-home/agrosmart/metrics"
	"github.com/mjasion/balena-home/agrosmart/pump"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

const maxHistoryLimit = 1000

// PumpController is the command side of the pump state machine
type PumpController interface {
	State() pump.State
	ManualToggle(ctx context.Context) error
	AutoModeToggle(ctx context.Context, enabled bool) error
}

// Refresher requests an immediate poll
type Refresher interface {
	TriggerRefresh()
}

// BridgeProxy covers the bridge calls served on demand
type BridgeProxy interface {
	GetHistory(ctx context.Context, limit int) ([]bridge.SensorData, error)
	Chat(ctx context.Context, req bridge.ChatRequest) (*bridge.ChatResponse, error)
}

// Deps holds everything the API serves from. Collector and Health are optional.
type Deps struct {
	Store          *viewmodel.Store
	Pump           PumpController
	Refresher      Refresher
	Bridge         BridgeProxy
	Collector      *metrics.Collector
	Health         http.Handler
	RequestTimeout time.Duration
	HistoryLimit   int
	Logger         *zap.Logger
}

// API serves the view model and forwards user commands
type API struct {
	store          *viewmodel.Store
	pump           PumpController
	refresher      Refresher
	bridge         BridgeProxy
	collector      *metrics.Collector
	health         http.Handler
	requestTimeout time.Duration
	historyLimit   int
	logger         *zap.Logger

	upgrader  websocket.Upgrader
	quit      chan struct{}
	closeOnce sync.Once
}

// New creates the API
func New(deps Deps) *API {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 24
	}
	return &API{
		store:          deps.Store,
		pump:           deps.Pump,
		refresher:      deps.Refresher,
		bridge:         deps.Bridge,
		collector:      deps.Collector,
		health:         deps.Health,
		requestTimeout: deps.RequestTimeout,
		historyLimit:   deps.HistoryLimit,
		logger:         deps.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}
}

// Close ends every open snapshot stream. Safe to call more than once.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.quit) })
}

func (a *API) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Snapshot())
}

func (a *API) togglePump(w http.ResponseWriter, r *http.Request) {
	err := a.pump.ManualToggle(r.Context())
	a.observeCommand("toggle", err)
	if err != nil {
		a.writeCommandError(w, "toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, a.pump.State())
}

type autoModeRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) setAutoMode(w http.ResponseWriter, r *http.Request) {
	var payload autoModeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Expected {\"enabled\": true|false}")
		return
	}

	err := a.pump.AutoModeToggle(r.Context(), *payload.Enabled)
	a.observeCommand("auto", err)
	if err != nil {
		a.writeCommandError(w, "auto", err)
		return
	}
	writeJSON(w, http.StatusOK, a.pump.State())
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.refresher.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := a.historyLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	data, err := a.bridge.GetHistory(r.Context(), limit)
	if err != nil {
		a.logger.Warn("history request failed", zap.Int("limit", limit), zap.Error(err))
		writeError(w, http.StatusBadGateway, "bridge_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": reconcile.ReconcileHistory([]reconcile.SensorReading{}, data, nil),
	})
}

func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	var payload bridge.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Expected a non-empty message")
		return
	}

	resp, err := a.bridge.Chat(r.Context(), payload)
	if err != nil {
		a.logger.Warn("chat request failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "bridge_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) observeCommand(command string, err error) {
	if a.collector != nil {
		a.collector.ObserveCommand(command, err)
	}
}

// writeCommandError maps a refused command to 409 and anything else to 502
func (a *API) writeCommandError(w http.ResponseWriter, command string, err error) {
	a.logger.Warn("pump command failed", zap.String("command", command), zap.Error(err))
	if errors.Is(err, bridge.ErrCommandRejected) {
		writeError(w, http.StatusConflict, "command_rejected", err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "bridge_unavailable", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
