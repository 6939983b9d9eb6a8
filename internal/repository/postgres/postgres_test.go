package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixPattern(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "%"},
		{"TX", "tx%"},
		{"50%_off", `50\%\_off%`},
		{`a\b`, `a\\b%`},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, prefixPattern(tt.prefix))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 4, "one up and one down file per version")
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("FRAUD_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRAUD_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, Config{DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDecisionLog_Postgres(t *testing.T) {
	db := openTestDB(t)
	log := NewDecisionLog(db)
	ctx := context.Background()

	run := uuid.NewString()[:8]
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		err := log.Append(ctx, domain.Decision{
			TransactionID: fmt.Sprintf("PG-%s-%d", run, i),
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			IsFraudulent:  i == 2,
			RiskScore:     i * 10,
			MatchedRules:  []domain.MatchedRule{{RuleID: "r1", Severity: domain.SeverityLow}},
		})
		require.NoError(t, err)
	}

	page, err := log.Query(ctx, domain.DecisionFilter{TransactionIDPrefix: "pg-" + run, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, fmt.Sprintf("PG-%s-2", run), page.Entries[0].TransactionID)
	assert.Equal(t, 20, page.Entries[0].RiskScore)
	assert.Len(t, page.Entries[0].MatchedRules, 1)
}

func TestTransactionRepository_Postgres(t *testing.T) {
	db := openTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	tx := &domain.Transaction{
		ID:        uuid.NewString(),
		UserID:    "user_1",
		Amount:    42.5,
		Currency:  "INR",
		Location:  domain.Location{Region: "Goa", City: "Panaji"},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.Save(ctx, tx))
	assert.ErrorIs(t, repo.Save(ctx, tx), repository.ErrDuplicate)

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Location, got.Location)
	assert.True(t, tx.Timestamp.Equal(got.Timestamp))

	_, err = repo.GetByID(ctx, "missing-"+tx.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
