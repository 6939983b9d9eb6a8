package memory

import (
	"fraud_explorer/internal/repository"
)

var (
	_ repository.RuleRepository        = (*RuleRepository)(nil)
	_ repository.DecisionLog           = (*DecisionLog)(nil)
	_ repository.TransactionRepository = (*TransactionRepository)(nil)
)
