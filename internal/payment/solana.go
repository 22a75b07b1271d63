package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// memoPrefix tags fee-payment memos so unrelated transfers are never
// mistaken for payment proofs. Full memo layout: "svc:<TYPE>:<nonce>".
const memoPrefix = "svc:"

// SolanaConfig holds chain connection settings for payment verification.
type SolanaConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	TokenMint      string        `yaml:"token_mint"`
	PlatformWallet string        `yaml:"platform_wallet"`
	Commitment     string        `yaml:"commitment"`
	Timeout        time.Duration `yaml:"timeout"`
}

// SolanaChainReader reads payment transactions from a Solana RPC node.
// A payment is a token transfer to the platform wallet carrying a memo
// instruction that binds the transfer to a service type and nonce.
type SolanaChainReader struct {
	rpcClient      *rpc.Client
	tokenMint      solana.PublicKey
	platformWallet solana.PublicKey
	commitment     rpc.CommitmentType
	timeout        time.Duration
	logger         *zap.Logger
}

// NewSolanaChainReader creates a chain reader and checks RPC connectivity.
func NewSolanaChainReader(cfg *SolanaConfig, logger *zap.Logger) (*SolanaChainReader, error) {
	tokenMint, err := solana.PublicKeyFromBase58(cfg.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint address: %w", err)
	}
	platformWallet, err := solana.PublicKeyFromBase58(cfg.PlatformWallet)
	if err != nil {
		return nil, fmt.Errorf("invalid platform wallet address: %w", err)
	}

	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "processed":
		commitment = rpc.CommitmentProcessed
	case "confirmed":
		commitment = rpc.CommitmentConfirmed
	case "finalized":
		commitment = rpc.CommitmentFinalized
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := &SolanaChainReader{
		rpcClient:      rpc.New(cfg.RPCURL),
		tokenMint:      tokenMint,
		platformWallet: platformWallet,
		commitment:     commitment,
		timeout:        timeout,
		logger:         logger.Named("solana_payments"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := client.rpcClient.GetHealth(ctx); err != nil {
		return nil, fmt.Errorf("solana health check failed: %w", err)
	}

	logger.Info("Solana payment reader initialized",
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("token_mint", tokenMint.String()),
		zap.String("platform_wallet", platformWallet.String()),
	)
	return client, nil
}

// GetPayment fetches and decodes the referenced transaction. The memo
// instruction yields service type and nonce; token balance deltas yield the
// amount received by the platform wallet; the fee payer is the first signer.
func (c *SolanaChainReader) GetPayment(ctx context.Context, txRef string) (*Event, error) {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction reference %q", models.ErrPaymentNotFound, txRef)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxVersion := uint64(0)
	out, err := c.rpcClient.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     c.commitment,
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, txRef)
		}
		return nil, fmt.Errorf("fetching transaction %s: %w", txRef, err)
	}
	if out == nil || out.Meta == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, txRef)
	}
	if out.Meta.Err != nil {
		return nil, fmt.Errorf("%w: transaction %s failed on-chain", models.ErrPaymentNotFound, txRef)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decoding transaction %s: %w", txRef, err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: transaction %s has no accounts", models.ErrPaymentNotFound, txRef)
	}
	payer := tx.Message.AccountKeys[0]

	svc, nonce, err := c.extractMemo(tx)
	if err != nil {
		return nil, err
	}

	amount, err := c.receivedAmount(out.Meta)
	if err != nil {
		return nil, err
	}

	event := &Event{
		TxRef:       txRef,
		Payer:       payer.String(),
		Amount:      amount,
		ServiceType: svc,
		Nonce:       nonce,
		Confirmed:   true,
	}
	c.logger.Debug("Decoded payment transaction",
		zap.String("tx_ref", txRef),
		zap.String("payer", event.Payer),
		zap.String("service_type", string(svc)),
		zap.String("nonce", nonce),
		zap.String("amount", amount.String()),
	)
	return event, nil
}

// extractMemo finds the payment memo instruction and parses it.
func (c *SolanaChainReader) extractMemo(tx *solana.Transaction) (models.ServiceType, string, error) {
	for _, inst := range tx.Message.Instructions {
		programID, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			continue
		}
		if !programID.Equals(solana.MemoProgramID) {
			continue
		}
		memo := string(inst.Data)
		if !strings.HasPrefix(memo, memoPrefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(memo, memoPrefix), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("%w: malformed payment memo %q", models.ErrPaymentMismatch, memo)
		}
		return models.ServiceType(parts[0]), parts[1], nil
	}
	return "", "", fmt.Errorf("%w: no payment memo instruction", models.ErrPaymentMismatch)
}

// receivedAmount computes the token amount received by the platform wallet
// from the pre/post token balance deltas.
func (c *SolanaChainReader) receivedAmount(meta *rpc.TransactionMeta) (decimal.Decimal, error) {
	pre := decimal.Zero
	post := decimal.Zero

	for _, bal := range meta.PreTokenBalances {
		if bal.Owner != nil && bal.Owner.Equals(c.platformWallet) && bal.Mint.Equals(c.tokenMint) {
			v, err := tokenAmount(bal.UiTokenAmount)
			if err != nil {
				return decimal.Zero, err
			}
			pre = pre.Add(v)
		}
	}
	for _, bal := range meta.PostTokenBalances {
		if bal.Owner != nil && bal.Owner.Equals(c.platformWallet) && bal.Mint.Equals(c.tokenMint) {
			v, err := tokenAmount(bal.UiTokenAmount)
			if err != nil {
				return decimal.Zero, err
			}
			post = post.Add(v)
		}
	}

	delta := post.Sub(pre)
	if delta.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: no token transfer to platform wallet", models.ErrPaymentMismatch)
	}
	return delta, nil
}

// tokenAmount converts a raw token balance to a decimal in whole-token units.
func tokenAmount(ui *rpc.UiTokenAmount) (decimal.Decimal, error) {
	if ui == nil {
		return decimal.Zero, fmt.Errorf("missing token amount in balance entry")
	}
	raw, err := decimal.NewFromString(ui.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing token amount %q: %w", ui.Amount, err)
	}
	divisor := decimal.NewFromInt(10).Pow(decimal.NewFromInt(int64(ui.Decimals)))
	return raw.Div(divisor), nil
}
