package api

import (
	"context"
	"fraud_explorer/internal/domain"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// ListDecisionLogsHandler serves GET /api/decision-logs?page=N&tx=prefix,
// newest first, DefaultDecisionPageSize entries per page.
func (h *APIHandler) ListDecisionLogsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	q := r.URL.Query()
	filter := domain.DecisionFilter{
		TransactionIDPrefix: strings.TrimSpace(q.Get("tx")),
		Page:                atoiOr(q.Get("page"), 1),
		PageSize:            domain.DefaultDecisionPageSize,
	}.Normalize()

	page, err := h.deps.DecisionLog.Query(ctx, filter)
	if err != nil {
		h.logger.Error("Failed to query decision log", slog.String("error", err.Error()))
		h.sendError(w, "Failed to fetch decision logs", http.StatusInternalServerError, "SERVER_ERROR")
		return
	}

	h.sendJSON(w, page, http.StatusOK)
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
