package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decen-ai/platform-backend/internal/models"
)

// MemoryLedger is an in-memory Ledger for tests and local development.
// It enforces the same CID-uniqueness invariant as the on-chain contract.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*models.ProvenanceRecord
	txSeq   int
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*models.ProvenanceRecord)}
}

func (l *MemoryLedger) Register(ctx context.Context, record *models.ProvenanceRecord) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[record.CID]; exists {
		return "", models.ErrDuplicateAsset
	}

	l.txSeq++
	stored := *record
	stored.TxRef = fmt.Sprintf("memtx-%06d", l.txSeq)
	stored.RegisteredAt = time.Now().UTC()
	l.records[record.CID] = &stored
	return stored.TxRef, nil
}

func (l *MemoryLedger) GetByCID(ctx context.Context, cid string) (*models.ProvenanceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[cid]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	cp := *record
	return &cp, nil
}

func (l *MemoryLedger) GetByOwner(ctx context.Context, owner string) ([]*models.ProvenanceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*models.ProvenanceRecord, 0)
	for _, record := range l.records {
		if record.Owner == owner {
			cp := *record
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}
