package api

import (
	"context"
	"fraud_explorer/internal/domain"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const largeAmountRule = `{
	"name": "Large amount",
	"description": "Flags amounts above 100k",
	"conditions": {"all": [{"fact": "amount", "operator": "greaterThan", "value": 100000}]},
	"event": {"kind": "fraud", "message": "Large amount", "severity": "high", "ruleId": "ignored"}
}`

func createRule(t *testing.T, s *testServer) domain.Rule {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/rules", largeAmountRule, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[domain.Rule](t, w)
}

func TestCreateRuleHandler(t *testing.T) {
	s := newTestServer(t)

	rule := createRule(t, s)

	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.Active)
	assert.Equal(t, rule.ID, rule.Event.RuleID, "event ruleId follows the rule id")
	stored, err := s.rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Large amount", stored.Name)
}

func TestCreateRuleHandler_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{"name":`, "INVALID_REQUEST"},
		{"missing conditions", `{"name":"x","event":{"kind":"fraud","severity":"low"}}`, "MISSING_FIELDS"},
		{"unknown operator", `{"name":"x","conditions":{"fact":"amount","operator":"near","value":1},"event":{"kind":"fraud","severity":"low"}}`, "INVALID_RULE"},
		{"unknown fact", `{"name":"x","conditions":{"fact":"planet","operator":"equal","value":1},"event":{"kind":"fraud","severity":"low"}}`, "INVALID_RULE"},
		{"bad severity", `{"name":"x","conditions":{"fact":"amount","operator":"equal","value":1},"event":{"kind":"fraud","severity":"extreme"}}`, "INVALID_RULE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			w := s.do(t, http.MethodPost, "/api/rules", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Code)
			all, err := s.rules.GetAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestListAndGetRuleHandlers(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/rules", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	first := createRule(t, s)
	time.Sleep(2 * time.Millisecond)
	second := createRule(t, s)

	rules := decode[[]domain.Rule](t, s.do(t, http.MethodGet, "/api/rules", nil, nil))
	require.Len(t, rules, 2)
	assert.Equal(t, second.ID, rules[0].ID, "newest first")
	assert.Equal(t, first.ID, rules[1].ID)

	w = s.do(t, http.MethodGet, "/api/rules/"+first.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.ID, decode[domain.Rule](t, w).ID)

	w = s.do(t, http.MethodGet, "/api/rules/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateRuleHandler(t *testing.T) {
	s := newTestServer(t)
	rule := createRule(t, s)

	w := s.do(t, http.MethodPut, "/api/rules/"+rule.ID, `{"name":"Renamed","event":{"kind":"fraud","message":"m","severity":"low","ruleId":"other"}}`, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[domain.Rule](t, w)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "Flags amounts above 100k", updated.Description, "absent fields are kept")
	assert.Equal(t, domain.SeverityLow, updated.Event.Severity)
	assert.Equal(t, rule.ID, updated.Event.RuleID)

	w = s.do(t, http.MethodPut, "/api/rules/"+rule.ID, `{"conditions":{"fact":"amount","operator":"bogus","value":1}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	stored, err := s.rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Name, "rejected update leaves the rule untouched")

	w = s.do(t, http.MethodPut, "/api/rules/missing", `{"name":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteAndToggleRuleHandlers(t *testing.T) {
	s := newTestServer(t)
	rule := createRule(t, s)

	w := s.do(t, http.MethodDelete, "/api/rules/"+rule.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Rule deactivated successfully", decode[MessageResponse](t, w).Message)

	stored, err := s.rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "delete only deactivates")

	w = s.do(t, http.MethodPatch, "/api/rules/"+rule.ID+"/toggle", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[domain.Rule](t, w).Active)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/rules/missing", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPatch, "/api/rules/missing/toggle", nil, nil).Code)
}
