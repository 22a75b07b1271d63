package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/retryer"
	"github.com/decen-ai/platform-backend/internal/store"
)

// Event describes an on-chain payment as read from the ledger: a fee
// transfer to the platform wallet annotated with a service type and a
// caller-chosen nonce.
type Event struct {
	TxRef       string
	Payer       string
	Amount      decimal.Decimal
	ServiceType models.ServiceType
	Nonce       string
	Confirmed   bool
}

// ChainReader reads a claimed payment transaction from the chain. It returns
// models.ErrPaymentNotFound when the transaction does not exist or has not
// reached the configured confirmation depth. Transient RPC failures are
// returned as-is and retried by the verifier.
type ChainReader interface {
	GetPayment(ctx context.Context, txRef string) (*Event, error)
}

// Config holds the fee schedule and retry policy for payment verification.
type Config struct {
	TrainingFee  decimal.Decimal `yaml:"training_fee"`
	InferenceFee decimal.Decimal `yaml:"inference_fee"`
	Retry        retryer.Config  `yaml:"retry"`
}

// Validate rejects unusable fee schedules. A zero fee on a payment-gated
// operation is a hard error, not a bypass.
func (c *Config) Validate() error {
	if c.TrainingFee.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("training fee must be positive, got %s", c.TrainingFee)
	}
	if c.InferenceFee.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("inference fee must be positive, got %s", c.InferenceFee)
	}
	return nil
}

// Verifier confirms payment proofs against the chain and is the sole
// authority for nonce consumption.
type Verifier struct {
	chain  ChainReader
	nonces store.NonceStore
	cfg    *Config
	logger *zap.Logger
}

// NewVerifier creates a payment verifier.
func NewVerifier(chain ChainReader, nonces store.NonceStore, cfg *Config, logger *zap.Logger) *Verifier {
	return &Verifier{
		chain:  chain,
		nonces: nonces,
		cfg:    cfg,
		logger: logger,
	}
}

// feeFor returns the configured fee for a service type.
func (v *Verifier) feeFor(svc models.ServiceType) (decimal.Decimal, error) {
	switch svc {
	case models.ServiceTypeTraining:
		return v.cfg.TrainingFee, nil
	case models.ServiceTypeInference:
		return v.cfg.InferenceFee, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown service type %q", svc)
	}
}

// isTransientChainError decides whether a chain read is worth retrying.
// A definitively missing transaction is terminal; everything else (RPC
// timeouts, connection failures) is assumed transient.
func isTransientChainError(err error) bool {
	return !errors.Is(err, models.ErrPaymentNotFound)
}

// Verify confirms that the referenced transaction pays the configured fee
// for the expected service type under the given nonce, then atomically
// consumes the nonce. Verification failures are terminal for the attempt:
// the caller needs a fresh payment (and nonce) to retry, and a consumed
// nonce is never released even if the job it funded later fails.
func (v *Verifier) Verify(ctx context.Context, txRef, nonce, expectedPayer string, svc models.ServiceType) (*models.PaymentReceipt, error) {
	if !svc.IsValid() {
		return nil, models.NewInvalidConfigError("service_type", fmt.Sprintf("unknown service type %q", svc))
	}

	// Cheap pre-check before touching the chain. The authoritative
	// check-and-mark happens after validation; this only short-circuits
	// the obvious replay.
	consumed, err := v.nonces.IsConsumed(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("checking nonce %s: %w", nonce, err)
	}
	if consumed {
		v.logger.Warn("Rejected reused payment nonce", zap.String("nonce", nonce))
		return nil, models.NewPaymentReusedError(nonce)
	}

	var event *Event
	err = retryer.Do(ctx, v.logger, v.cfg.Retry, "chain payment lookup", isTransientChainError, func() error {
		var readErr error
		event, readErr = v.chain.GetPayment(ctx, txRef)
		return readErr
	})
	if err != nil {
		if !errors.Is(err, models.ErrPaymentNotFound) {
			err = fmt.Errorf("chain lookup failed after retries: %w", err)
		}
		return nil, models.NewPaymentNotFoundError(txRef, err)
	}
	if !event.Confirmed {
		return nil, models.NewPaymentNotFoundError(txRef, fmt.Errorf("transaction below confirmation depth"))
	}

	expectedFee, err := v.feeFor(svc)
	if err != nil {
		return nil, models.NewInvalidConfigError("service_type", err.Error())
	}

	if event.Payer != expectedPayer {
		return nil, models.NewPaymentMismatchError("payer", expectedPayer, event.Payer)
	}
	if event.ServiceType != svc {
		return nil, models.NewPaymentMismatchError("service_type", string(svc), string(event.ServiceType))
	}
	if event.Nonce != nonce {
		return nil, models.NewPaymentMismatchError("nonce", nonce, event.Nonce)
	}
	if !event.Amount.Equal(expectedFee) {
		return nil, models.NewPaymentMismatchError("amount", expectedFee.String(), event.Amount.String())
	}

	// Atomic check-and-mark. Of two concurrent verifications of the same
	// nonce exactly one reaches this point first and wins; the loser sees
	// models.ErrNonceConsumed.
	if err := v.nonces.ConsumeNonce(ctx, nonce, expectedPayer); err != nil {
		if errors.Is(err, models.ErrNonceConsumed) {
			v.logger.Warn("Lost nonce consumption race", zap.String("nonce", nonce))
			return nil, models.NewPaymentReusedError(nonce)
		}
		return nil, fmt.Errorf("consuming nonce %s: %w", nonce, err)
	}

	receipt := &models.PaymentReceipt{
		Payer:       event.Payer,
		Amount:      event.Amount,
		ServiceType: event.ServiceType,
		Nonce:       nonce,
		TxRef:       txRef,
		Confirmed:   true,
		VerifiedAt:  time.Now().UTC(),
	}

	v.logger.Info("Payment verified",
		zap.String("payer", receipt.Payer),
		zap.String("service_type", string(receipt.ServiceType)),
		zap.String("nonce", nonce),
		zap.String("amount", receipt.Amount.String()),
	)
	return receipt, nil
}
