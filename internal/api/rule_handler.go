package api

import (
	"context"
	"encoding/json"
	"errors"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/processor"
	"fraud_explorer/internal/repository"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RuleRequest is the body of rule create and update calls. On update every
// field is optional and only the ones present are applied.
type RuleRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Active      *bool             `json:"active"`
	Conditions  json.RawMessage   `json:"conditions"`
	Event       *domain.RuleEvent `json:"event"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func (h *APIHandler) ListRulesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	rules, err := h.deps.RuleRepo.GetAll(ctx)
	if err != nil {
		h.logger.Error("Failed to list rules", slog.String("error", err.Error()))
		h.sendError(w, "Failed to fetch rules", http.StatusInternalServerError, "SERVER_ERROR")
		return
	}
	if rules == nil {
		rules = []*domain.Rule{}
	}

	h.sendJSON(w, rules, http.StatusOK)
}

func (h *APIHandler) GetRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	rule, err := h.deps.RuleRepo.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		h.sendRepoError(w, err, "Failed to fetch rule")
		return
	}

	h.sendJSON(w, rule, http.StatusOK)
}

// CreateRuleHandler stores a new active rule. The id is generated and the
// event's ruleId always matches it.
func (h *APIHandler) CreateRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req RuleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	if req.Name == nil || *req.Name == "" || len(req.Conditions) == 0 || req.Event == nil {
		h.sendError(w, "Missing required fields", http.StatusBadRequest, "MISSING_FIELDS")
		return
	}

	rule := &domain.Rule{
		ID:         uuid.NewString(),
		Name:       *req.Name,
		Active:     true,
		Conditions: req.Conditions,
		Event:      *req.Event,
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	rule.Event.RuleID = rule.ID

	if !h.validRule(w, rule) {
		return
	}

	if err := h.deps.RuleRepo.Save(ctx, rule); err != nil {
		h.sendRepoError(w, err, "Failed to create rule")
		return
	}

	h.logger.Info("Rule created", slog.String("rule_id", rule.ID), slog.String("name", rule.Name))
	h.sendJSON(w, rule, http.StatusCreated)
}

func (h *APIHandler) UpdateRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req RuleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	rule, err := h.deps.RuleRepo.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		h.sendRepoError(w, err, "Failed to update rule")
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if len(req.Conditions) > 0 {
		rule.Conditions = req.Conditions
	}
	if req.Event != nil {
		rule.Event = *req.Event
	}
	rule.Event.RuleID = rule.ID

	if !h.validRule(w, rule) {
		return
	}

	if err := h.deps.RuleRepo.Update(ctx, rule); err != nil {
		h.sendRepoError(w, err, "Failed to update rule")
		return
	}

	h.logger.Info("Rule updated", slog.String("rule_id", rule.ID))
	h.sendJSON(w, rule, http.StatusOK)
}

// DeleteRuleHandler deactivates the rule; rules are never removed so past
// decisions keep a valid reference.
func (h *APIHandler) DeleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	id := r.PathValue("id")
	if err := h.deps.RuleRepo.Deactivate(ctx, id); err != nil {
		h.sendRepoError(w, err, "Failed to delete rule")
		return
	}

	h.logger.Info("Rule deactivated", slog.String("rule_id", id))
	h.sendJSON(w, MessageResponse{Message: "Rule deactivated successfully"}, http.StatusOK)
}

func (h *APIHandler) ToggleRuleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	rule, err := h.deps.RuleRepo.Toggle(ctx, r.PathValue("id"))
	if err != nil {
		h.sendRepoError(w, err, "Failed to toggle rule")
		return
	}

	h.logger.Info("Rule toggled", slog.String("rule_id", rule.ID), slog.Bool("active", rule.Active))
	h.sendJSON(w, rule, http.StatusOK)
}

// validRule runs the rule compiler so malformed rules never reach the store.
func (h *APIHandler) validRule(w http.ResponseWriter, rule *domain.Rule) bool {
	if _, err := processor.Compile(rule); err != nil {
		var compileErr *processor.CompileError
		if errors.As(err, &compileErr) {
			h.sendErrorDetails(w, "Invalid rule", http.StatusBadRequest, "INVALID_RULE", compileErr.Error())
			return false
		}
		h.sendError(w, "Invalid rule", http.StatusBadRequest, "INVALID_RULE")
		return false
	}
	return true
}

func (h *APIHandler) sendRepoError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.sendError(w, "Rule not found", http.StatusNotFound, "NOT_FOUND")
	case errors.Is(err, repository.ErrDuplicate):
		h.sendError(w, "Rule already exists", http.StatusConflict, "DUPLICATE")
	case errors.Is(err, repository.ErrStoreUnavailable):
		h.sendError(w, message, http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
	default:
		h.logger.Error(message, slog.String("error", err.Error()))
		h.sendError(w, message, http.StatusInternalServerError, "SERVER_ERROR")
	}
}
