package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/decen-ai/platform-backend/internal/models"
)

// MemoryChainReader is an in-process ChainReader for tests and local
// development. Payments are seeded with RecordPayment and looked up by
// transaction reference like the real chain.
type MemoryChainReader struct {
	mu       sync.Mutex
	payments map[string]*Event
}

// NewMemoryChainReader creates an empty in-memory chain.
func NewMemoryChainReader() *MemoryChainReader {
	return &MemoryChainReader{payments: make(map[string]*Event)}
}

// RecordPayment seeds a payment transaction.
func (m *MemoryChainReader) RecordPayment(event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.payments[event.TxRef] = &cp
}

// GetPayment implements ChainReader.
func (m *MemoryChainReader) GetPayment(ctx context.Context, txRef string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.payments[txRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, txRef)
	}
	cp := *event
	return &cp, nil
}
