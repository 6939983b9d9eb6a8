package api

import (
	"context"
	"encoding/json"
	"errors"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/processor"
	"fraud_explorer/internal/repository"
	"fraud_explorer/pkg/crypto"
	"fraud_explorer/pkg/metrics"
	"fraud_explorer/pkg/validator"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	version         = "1.0.0"
	maxRequestBody  = 1 << 20
	signatureHeader = "X-Signature"
)

type TransactionService interface {
	Process(ctx context.Context, tx *domain.Transaction) (domain.Decision, error)
	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
}

type FeedStatus interface {
	FeedRunning() bool
	SubscriberCount() int
}

// Dependencies are the collaborators served over HTTP. Feed, Rules snapshot,
// Signer, Metrics and WebSocket are optional.
type Dependencies struct {
	Transactions TransactionService
	RuleRepo     repository.RuleRepository
	DecisionLog  repository.DecisionLog
	RuleSet      processor.RuleSource
	Feed         FeedStatus
	Signer       *crypto.Signer
	Metrics      *metrics.MetricsCollector
	WebSocket    http.Handler
}

type APIHandler struct {
	deps           Dependencies
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewAPIHandler(deps Dependencies, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIHandler{
		deps:           deps,
		logger:         logger,
		requestTimeout: 30 * time.Second,
	}
}

type TransactionResponse struct {
	Transaction domain.Transaction `json:"transaction"`
	Decision    domain.Decision    `json:"decision"`
	Warning     string             `json:"warning,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// CreateTransactionHandler ingests one transaction and runs it through the
// pipeline. When a signer is configured the X-Signature header is required
// and the body must carry its own id and timestamp.
func (h *APIHandler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var tx domain.Transaction
	if err := decodeBody(w, r, &tx); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	if h.deps.Signer != nil {
		// the server must not fill in fields the signature covers
		if tx.ID == "" || tx.Timestamp.IsZero() {
			h.sendError(w, "Signed transactions must carry id and timestamp", http.StatusBadRequest, "MISSING_FIELDS")
			return
		}
		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			h.sendError(w, "Signature is required", http.StatusUnauthorized, "MISSING_SIGNATURE")
			return
		}
		if err := h.deps.Signer.VerifyTransaction(&tx, signature); err != nil {
			h.sendError(w, "Invalid signature", http.StatusUnauthorized, "INVALID_SIGNATURE")
			return
		}
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	decision, err := h.deps.Transactions.Process(ctx, &tx)
	response := TransactionResponse{Transaction: tx, Decision: decision}

	switch {
	case err == nil:
	case errors.Is(err, processor.ErrPersistence):
		response.Warning = "decision was not written to the decision log"
	case errors.Is(err, validator.ErrDuplicateTransaction), errors.Is(err, repository.ErrDuplicate):
		h.sendError(w, "Transaction already processed", http.StatusConflict, "DUPLICATE")
		return
	default:
		h.sendErrorDetails(w, "Transaction rejected", http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	h.sendJSON(w, response, http.StatusCreated)
	h.logger.Info("Transaction processed",
		slog.String("transaction_id", tx.ID),
		slog.Bool("is_fraudulent", decision.IsFraudulent),
		slog.Int("risk_score", decision.RiskScore))
}

func (h *APIHandler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := r.URL.Query().Get("id")
	if transactionID == "" {
		h.sendError(w, "Transaction ID is required", http.StatusBadRequest, "MISSING_ID")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	tx, err := h.deps.Transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(w, "Transaction not found", http.StatusNotFound, "NOT_FOUND")
		} else {
			h.sendError(w, "Failed to get transaction", http.StatusInternalServerError, "SERVER_ERROR")
		}
		return
	}

	h.sendJSON(w, tx, http.StatusOK)
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version,
	}
	if h.deps.Feed != nil {
		response["feedRunning"] = h.deps.Feed.FeedRunning()
		response["subscribers"] = h.deps.Feed.SubscriberCount()
	}
	if h.deps.RuleSet != nil {
		set := h.deps.RuleSet.Snapshot()
		response["activeRules"] = len(set.Rules)
		response["rulesVersion"] = set.Version
	}
	h.sendJSON(w, response, http.StatusOK)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	return json.NewDecoder(r.Body).Decode(into)
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	h.sendErrorDetails(w, message, statusCode, code, "")
}

func (h *APIHandler) sendErrorDetails(w http.ResponseWriter, message string, statusCode int, code, details string) {
	errorResponse := ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse)

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/transactions", h.CreateTransactionHandler)
	mux.HandleFunc("GET /api/transactions", h.GetTransactionHandler)
	mux.HandleFunc("GET /api/health", h.HealthCheckHandler)

	mux.HandleFunc("GET /api/rules", h.ListRulesHandler)
	mux.HandleFunc("GET /api/rules/{id}", h.GetRuleHandler)
	mux.HandleFunc("POST /api/rules", h.CreateRuleHandler)
	mux.HandleFunc("PUT /api/rules/{id}", h.UpdateRuleHandler)
	mux.HandleFunc("DELETE /api/rules/{id}", h.DeleteRuleHandler)
	mux.HandleFunc("PATCH /api/rules/{id}/toggle", h.ToggleRuleHandler)

	mux.HandleFunc("GET /api/decision-logs", h.ListDecisionLogsHandler)

	if h.deps.WebSocket != nil {
		mux.Handle("GET /ws", h.deps.WebSocket)
	}
}

// WithCORS allows browser dashboards served from origin to call the API.
// An empty origin disables the header.
func WithCORS(origin string, next http.Handler) http.Handler {
	if origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+signatureHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
