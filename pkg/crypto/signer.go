package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"log/slog"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signer produces and checks hex encoded HMAC-SHA256 signatures.
type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	signature := mac.Sum(nil)
	return hex.EncodeToString(signature)
}

func (s *Signer) Verify(data []byte, signature string) error {
	expectedSignature := s.Sign(data)

	if !hmac.Equal([]byte(expectedSignature), []byte(signature)) {
		s.logger.Warn("Signature verification failed", slog.Int("signature_length", len(signature)))
		return ErrInvalidSignature
	}

	return nil
}

// transactionPayload is the canonical string covered by a transaction
// signature: id, amount, currency, user and unix timestamp.
func transactionPayload(tx *domain.Transaction) []byte {
	var ts int64
	if !tx.Timestamp.IsZero() {
		ts = tx.Timestamp.Unix()
	}
	return []byte(fmt.Sprintf("%s:%.2f:%s:%s:%d", tx.ID, tx.Amount, tx.Currency, tx.UserID, ts))
}

func (s *Signer) SignTransaction(tx *domain.Transaction) string {
	return s.Sign(transactionPayload(tx))
}

func (s *Signer) VerifyTransaction(tx *domain.Transaction, signature string) error {
	return s.Verify(transactionPayload(tx), signature)
}
