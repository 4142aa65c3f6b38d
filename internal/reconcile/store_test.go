package reconcile_test

import (
	"context"
	"sync"

	"github.com/savane-labs/backend-pay/internal/txn"
)

// memStore is an in-memory transaction store with real compare-and-swap
// semantics, shared by the webhook and poller tests.
type memStore struct {
	mu     sync.Mutex
	txs    map[string]txn.Transaction
	events []txn.Status
}

func newMemStore(txs ...txn.Transaction) *memStore {
	m := &memStore{txs: make(map[string]txn.Transaction)}
	for _, tx := range txs {
		m.txs[tx.ID] = tx
	}
	return m
}

func (m *memStore) GetTransaction(_ context.Context, id string) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return txn.Transaction{}, txn.ErrNotFound
	}
	return tx, nil
}

func (m *memStore) GetTransactionByProviderSession(_ context.Context, providerID, sessionID string) (txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.Provider == providerID && tx.ProviderSessionID == sessionID {
			return tx, nil
		}
	}
	return txn.Transaction{}, txn.ErrNotFound
}

func (m *memStore) CompareAndSwapStatus(_ context.Context, id string, from, to txn.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	m.txs[id] = tx
	return true, nil
}

func (m *memStore) AppendEvent(_ context.Context, id string, status txn.Status, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, status)
	return nil
}

func (m *memStore) ListOpenTransactions(_ context.Context, _ int) ([]txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []txn.Transaction
	for _, tx := range m.txs {
		if !tx.Status.IsTerminal() {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) add(tx txn.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx
}

func (m *memStore) status(id string) txn.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[id].Status
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
