package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceType identifies which payment-gated service a fee was paid for.
// Values intentionally mirror JobKind: one payment buys one job of that kind.
type ServiceType string

const (
	ServiceTypeTraining  ServiceType = "TRAINING"
	ServiceTypeInference ServiceType = "INFERENCE"
)

// IsValid checks whether the service type is known.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeTraining || s == ServiceTypeInference
}

// PaymentReceipt is the immutable result of verifying an on-chain payment.
// It proves that the payer paid the configured fee for the given service type
// under a nonce that had not been consumed before.
type PaymentReceipt struct {
	Payer       string          `json:"payer"`
	Amount      decimal.Decimal `json:"amount"`
	ServiceType ServiceType     `json:"service_type"`
	Nonce       string          `json:"nonce"`
	TxRef       string          `json:"tx_ref"`
	Confirmed   bool            `json:"confirmed"`
	VerifiedAt  time.Time       `json:"verified_at"`
}
