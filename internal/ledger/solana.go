package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// registerInstructionTag is the discriminator for the provenance program's
// register instruction.
const registerInstructionTag = uint8(0)

// seedLen caps the record-address seed; Solana seeds are limited to 32 bytes.
const seedLen = 32

// SolanaConfig holds chain connection settings for the provenance ledger.
type SolanaConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ProgramID      string        `yaml:"program_id"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Commitment     string        `yaml:"commitment"`
	Timeout        time.Duration `yaml:"timeout"`
}

// onchainRecord is the borsh layout of a provenance record account.
// Owner is first so GetByOwner can memcmp-filter at offset zero.
type onchainRecord struct {
	Owner        solana.PublicKey
	Kind         uint8
	Name         string
	Description  string
	CID          string
	MetadataCID  string
	SourceCID    string
	RegisteredAt int64
}

var kindToTag = map[models.AssetKind]uint8{
	models.AssetKindDataset:  0,
	models.AssetKindModel:    1,
	models.AssetKindMetadata: 2,
}

var tagToKind = map[uint8]models.AssetKind{
	0: models.AssetKindDataset,
	1: models.AssetKindModel,
	2: models.AssetKindMetadata,
}

// SolanaLedger implements Ledger against the deployed provenance program.
// Each record lives in an account whose address is derived from the asset
// CID, so CID uniqueness is enforced by account existence on-chain.
type SolanaLedger struct {
	rpcClient  *rpc.Client
	programID  solana.PublicKey
	signer     solana.PrivateKey
	commitment rpc.CommitmentType
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSolanaLedger creates a ledger client and checks RPC connectivity.
func NewSolanaLedger(cfg *SolanaConfig, logger *zap.Logger) (*SolanaLedger, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid provenance program ID: %w", err)
	}

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registrar key: %w", err)
	}

	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "processed":
		commitment = rpc.CommitmentProcessed
	case "finalized":
		commitment = rpc.CommitmentFinalized
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	client := &SolanaLedger{
		rpcClient:  rpc.New(cfg.RPCURL),
		programID:  programID,
		signer:     signer,
		commitment: commitment,
		timeout:    timeout,
		logger:     logger.Named("solana_ledger"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.rpcClient.GetHealth(ctx); err != nil {
		return nil, fmt.Errorf("solana health check failed: %w", err)
	}

	logger.Info("Solana provenance ledger initialized",
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("program_id", programID.String()),
		zap.String("registrar", signer.PublicKey().String()),
	)
	return client, nil
}

// recordAddress derives the deterministic account address holding the
// record for a CID.
func (l *SolanaLedger) recordAddress(cid string) (solana.PublicKey, error) {
	seed := cid
	if len(seed) > seedLen {
		seed = seed[:seedLen]
	}
	return solana.CreateWithSeed(l.signer.PublicKey(), seed, l.programID)
}

// Register appends a provenance record. The on-chain duplicate check is
// authoritative: an existing record account at the derived address means
// the CID is taken, regardless of what local caches say.
func (l *SolanaLedger) Register(ctx context.Context, record *models.ProvenanceRecord) (string, error) {
	owner, err := solana.PublicKeyFromBase58(record.Owner)
	if err != nil {
		return "", fmt.Errorf("%w: invalid owner address %q", models.ErrUnauthorized, record.Owner)
	}

	recordAddr, err := l.recordAddress(record.CID)
	if err != nil {
		return "", fmt.Errorf("%w: deriving record address: %v", models.ErrChain, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	existing, err := l.rpcClient.GetAccountInfo(ctx, recordAddr)
	if err != nil && !errors.Is(err, rpc.ErrNotFound) {
		return "", fmt.Errorf("%w: checking record account: %v", models.ErrChain, err)
	}
	if existing != nil && existing.Value != nil {
		l.logger.Warn("Record already registered on-chain", zap.String("cid", record.CID))
		return "", models.ErrDuplicateAsset
	}

	payload := onchainRecord{
		Owner:        owner,
		Kind:         kindToTag[record.Kind],
		Name:         record.Name,
		Description:  record.Description,
		CID:          record.CID,
		MetadataCID:  record.MetadataCID,
		SourceCID:    record.SourceCID,
		RegisteredAt: time.Now().UTC().Unix(),
	}
	data, err := bin.MarshalBorsh(&payload)
	if err != nil {
		return "", fmt.Errorf("%w: encoding record: %v", models.ErrChain, err)
	}
	instructionData := append([]byte{registerInstructionTag}, data...)

	instruction := solana.NewInstruction(
		l.programID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(l.signer.PublicKey(), true, true),
			solana.NewAccountMeta(recordAddr, true, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
		instructionData,
	)

	recent, err := l.rpcClient.GetRecentBlockhash(ctx, l.commitment)
	if err != nil {
		return "", fmt.Errorf("%w: fetching blockhash: %v", models.ErrChain, err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(l.signer.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("%w: building transaction: %v", models.ErrChain, err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(l.signer.PublicKey()) {
			return &l.signer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: signing transaction: %v", models.ErrChain, err)
	}

	sig, err := l.rpcClient.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: sending transaction: %v", models.ErrChain, err)
	}

	if err := l.waitForConfirmation(ctx, sig); err != nil {
		return "", err
	}

	l.logger.Info("Provenance record registered",
		zap.String("cid", record.CID),
		zap.String("owner", record.Owner),
		zap.String("tx_ref", sig.String()),
	)
	return sig.String(), nil
}

// waitForConfirmation polls signature status until the configured
// commitment level is reached or the context expires.
func (l *SolanaLedger) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: confirmation timed out for %s", models.ErrChain, sig)
		case <-ticker.C:
			statuses, err := l.rpcClient.GetSignatureStatuses(ctx, false, sig)
			if err != nil {
				l.logger.Warn("Failed to poll signature status", zap.Error(err))
				continue
			}
			if len(statuses.Value) == 0 || statuses.Value[0] == nil {
				continue
			}
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: transaction %s failed on-chain", models.ErrChain, sig)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}
	}
}

// GetByCID reads the record account derived from a CID.
func (l *SolanaLedger) GetByCID(ctx context.Context, cid string) (*models.ProvenanceRecord, error) {
	recordAddr, err := l.recordAddress(cid)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving record address: %v", models.ErrChain, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	info, err := l.rpcClient.GetAccountInfo(ctx, recordAddr)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, models.ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: reading record account: %v", models.ErrChain, err)
	}
	if info == nil || info.Value == nil {
		return nil, models.ErrRecordNotFound
	}

	return decodeRecord(info.Value.Data.GetBinary(), cid)
}

// GetByOwner lists records via a program-account scan filtered on the owner
// key at offset zero of the account layout.
func (l *SolanaLedger) GetByOwner(ctx context.Context, owner string) ([]*models.ProvenanceRecord, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner address %q: %w", owner, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	accounts, err := l.rpcClient.GetProgramAccountsWithOpts(ctx, l.programID, &rpc.GetProgramAccountsOpts{
		Commitment: l.commitment,
		Filters: []rpc.RPCFilter{
			{
				Memcmp: &rpc.RPCFilterMemcmp{
					Offset: 0,
					Bytes:  ownerKey.Bytes(),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scanning program accounts: %v", models.ErrChain, err)
	}

	records := make([]*models.ProvenanceRecord, 0, len(accounts))
	for _, acc := range accounts {
		record, err := decodeRecord(acc.Account.Data.GetBinary(), "")
		if err != nil {
			l.logger.Warn("Skipping undecodable record account",
				zap.String("account", acc.Pubkey.String()), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// decodeRecord deserializes an on-chain record account. expectedCID, when
// non-empty, guards against seed-truncation collisions.
func decodeRecord(data []byte, expectedCID string) (*models.ProvenanceRecord, error) {
	var payload onchainRecord
	if err := bin.UnmarshalBorsh(&payload, data); err != nil {
		return nil, fmt.Errorf("%w: decoding record account: %v", models.ErrChain, err)
	}
	if expectedCID != "" && payload.CID != expectedCID {
		return nil, models.ErrRecordNotFound
	}

	return &models.ProvenanceRecord{
		Owner:        payload.Owner.String(),
		Kind:         tagToKind[payload.Kind],
		Name:         payload.Name,
		Description:  payload.Description,
		CID:          payload.CID,
		MetadataCID:  payload.MetadataCID,
		SourceCID:    payload.SourceCID,
		RegisteredAt: time.Unix(payload.RegisteredAt, 0).UTC(),
	}, nil
}
