package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/opspay/ledgerd/internal/ledger"
	"github.com/opspay/ledgerd/internal/models"
	"github.com/opspay/ledgerd/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerd_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Engine is the slice of the transfer engine the handlers need.
type Engine interface {
	CreateTransfer(ctx context.Context, source, destination string, amount decimal.Decimal) (*models.Transfer, error)
	ApproveTransfer(ctx context.Context, id string) (*models.Transfer, error)
	RejectTransfer(ctx context.Context, id string) (*models.Transfer, error)
}

// Directory is the read side: account and transfer lookups outside any
// atomic scope.
type Directory interface {
	CreateAccount(ctx context.Context, initialBalance decimal.Decimal) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetTransferByID(ctx context.Context, id string) (*models.Transfer, error)
	ListAuditEntries(ctx context.Context, accountID string) ([]models.AuditEntry, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	engine Engine
	dir    Directory
	log    zerolog.Logger
}

func NewHandler(engine Engine, dir Directory, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, dir: dir, log: log}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	r.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	r.HandleFunc("/accounts/{id}/audit", h.GetAccountAuditHandler).Methods("GET")
	r.HandleFunc("/transfers", h.CreateTransferHandler).Methods("POST")
	r.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods("GET")
	r.HandleFunc("/transfers/{id}/approve", h.ApproveTransferHandler).Methods("PATCH")
	r.HandleFunc("/transfers/{id}/reject", h.RejectTransferHandler).Methods("PATCH")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.dir.Ping(r.Context()); err != nil {
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	// An empty body opens the account with a zero balance.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if req.InitialBalance.IsNegative() {
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Initial balance cannot be negative"})
		return
	}

	acc, err := h.dir.CreateAccount(r.Context(), req.InitialBalance)
	if err != nil {
		h.respond(w, r, http.StatusInternalServerError, map[string]string{"error": "System error creating account"})
		return
	}
	h.respond(w, r, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acc, err := h.dir.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respond(w, r, http.StatusNotFound, map[string]string{"error": "Account not found"})
			return
		}
		h.respond(w, r, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	h.respond(w, r, http.StatusOK, acc)
}

func (h *Handler) GetAccountAuditHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := h.dir.ListAuditEntries(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respond(w, r, http.StatusNotFound, map[string]string{"error": "Account not found"})
			return
		}
		h.respond(w, r, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	h.respond(w, r, http.StatusOK, entries)
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	var req models.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if req.SourceAccount == "" || req.DestinationAccount == "" {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "source_account and destination_account are required"})
		return
	}

	transfer, err := h.engine.CreateTransfer(r.Context(), req.SourceAccount, req.DestinationAccount, req.Amount)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", transfer.ID))
	h.respond(w, r, http.StatusCreated, transfer)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	transfer, err := h.dir.GetTransferByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respond(w, r, http.StatusNotFound, map[string]string{"error": "Transfer not found"})
			return
		}
		h.respond(w, r, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	h.respond(w, r, http.StatusOK, transfer)
}

func (h *Handler) ApproveTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("PATCH", "/transfers/{id}/approve"))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	transfer, err := h.engine.ApproveTransfer(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, transfer)
}

func (h *Handler) RejectTransferHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	transfer, err := h.engine.RejectTransfer(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, transfer)
}

func (h *Handler) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransferNotFound):
		h.respond(w, r, http.StatusNotFound, map[string]string{"error": err.Error()})
	case ledger.IsBusinessError(err):
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		// Infrastructure failure. The scope was aborted, nothing partial
		// exists; the client may retry the whole operation.
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("transient failure")
		h.respond(w, r, http.StatusServiceUnavailable, map[string]string{"error": "Temporary failure, retry the operation"})
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, endpointLabel(r), fmt.Sprintf("%d", code)).Inc()
	respondWithJSON(w, code, payload)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// endpointLabel keeps metric cardinality bounded by using the route
// template instead of the raw path.
func endpointLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
