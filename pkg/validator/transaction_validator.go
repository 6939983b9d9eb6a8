package validator

import (
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"math"
	"regexp"
	"sync"
	"time"
)

var (
	ErrInvalidAmount        = errors.New("invalid transaction amount")
	ErrInvalidCurrency      = errors.New("invalid currency")
	ErrMissingID            = errors.New("transaction id is required")
	ErrInvalidTimestamp     = errors.New("invalid transaction timestamp")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

const (
	defaultSeenCapacity = 100_000
	maxClockSkew        = 5 * time.Minute
)

var amountLimits = map[string]float64{
	"INR": 10_000_000,
	"USD": 1_000_000,
	"EUR": 900_000,
	"GBP": 800_000,
}

// TransactionValidator checks incoming transactions and rejects ids it has
// already accepted. It remembers the most recent ids up to a fixed capacity.
type TransactionValidator struct {
	currencyRegex *regexp.Regexp
	mu            sync.Mutex
	seen          map[string]struct{}
	order         []string
	next          int
	now           func() time.Time
}

func NewTransactionValidator() *TransactionValidator {
	return NewTransactionValidatorWithCapacity(defaultSeenCapacity)
}

func NewTransactionValidatorWithCapacity(capacity int) *TransactionValidator {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &TransactionValidator{
		currencyRegex: regexp.MustCompile(`^[A-Z]{3}$`),
		seen:          make(map[string]struct{}, capacity),
		order:         make([]string, 0, capacity),
		now:           time.Now,
	}
}

func (v *TransactionValidator) ValidateTransaction(tx *domain.Transaction) error {
	if tx == nil {
		return ErrMissingID
	}

	var errs []error

	if tx.ID == "" {
		errs = append(errs, ErrMissingID)
	}

	if err := v.ValidateAmount(tx.Amount, tx.Currency); err != nil {
		errs = append(errs, err)
	}

	if !v.currencyRegex.MatchString(tx.Currency) {
		errs = append(errs, ErrInvalidCurrency)
	}

	if tx.Timestamp.IsZero() {
		errs = append(errs, fmt.Errorf("%w: timestamp is required", ErrInvalidTimestamp))
	} else if tx.Timestamp.After(v.now().Add(maxClockSkew)) {
		errs = append(errs, fmt.Errorf("%w: transaction date cannot be in the future", ErrInvalidTimestamp))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %w", errors.Join(errs...))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.seen[tx.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID)
	}
	v.remember(tx.ID)

	return nil
}

// remember records id, evicting the oldest id once capacity is reached.
func (v *TransactionValidator) remember(id string) {
	if len(v.order) < cap(v.order) {
		v.order = append(v.order, id)
	} else {
		delete(v.seen, v.order[v.next])
		v.order[v.next] = id
		v.next = (v.next + 1) % len(v.order)
	}
	v.seen[id] = struct{}{}
}

func (v *TransactionValidator) ValidateAmount(amount float64, currency string) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}

	if max, exists := amountLimits[currency]; exists && amount > max {
		return fmt.Errorf("%w: amount exceeds maximum limit for %s: %.2f", ErrInvalidAmount, currency, max)
	}

	return nil
}
