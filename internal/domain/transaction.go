package domain

import (
	"time"
)

type Location struct {
	Region string `json:"region"`
	City   string `json:"city"`
}

// Transaction is an immutable input event; it is never modified after creation.
type Transaction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Amount            float64   `json:"amount"`
	Currency          string    `json:"currency"`
	MerchantID        string    `json:"merchantId"`
	MerchantCategory  string    `json:"merchantCategory"`
	Location          Location  `json:"location"`
	Timestamp         time.Time `json:"timestamp"`
	PaymentMethod     string    `json:"paymentMethod"`
	IPAddress         string    `json:"ipAddress"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
}

const (
	FactAmount           = "amount"
	FactRegion           = "region"
	FactMerchantCategory = "merchantCategory"
	FactTimestamp        = "timestamp"
	FactUserID           = "userId"
	FactPaymentMethod    = "paymentMethod"
)

// FactNames is the closed set of fact names rules may reference.
var FactNames = []string{
	FactAmount,
	FactRegion,
	FactMerchantCategory,
	FactTimestamp,
	FactUserID,
	FactPaymentMethod,
}

func IsFactName(name string) bool {
	for _, n := range FactNames {
		if n == name {
			return true
		}
	}
	return false
}

// Facts is the flat evaluation input derived from one transaction.
type Facts struct {
	Amount           float64   `json:"amount"`
	Region           string    `json:"region"`
	MerchantCategory string    `json:"merchantCategory"`
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"userId"`
	PaymentMethod    string    `json:"paymentMethod"`
}

func FactsFrom(tx *Transaction) Facts {
	return Facts{
		Amount:           tx.Amount,
		Region:           tx.Location.Region,
		MerchantCategory: tx.MerchantCategory,
		Timestamp:        tx.Timestamp,
		UserID:           tx.UserID,
		PaymentMethod:    tx.PaymentMethod,
	}
}

func (f Facts) Lookup(name string) (any, bool) {
	switch name {
	case FactAmount:
		return f.Amount, true
	case FactRegion:
		return f.Region, true
	case FactMerchantCategory:
		return f.MerchantCategory, true
	case FactTimestamp:
		return f.Timestamp, true
	case FactUserID:
		return f.UserID, true
	case FactPaymentMethod:
		return f.PaymentMethod, true
	default:
		return nil, false
	}
}
