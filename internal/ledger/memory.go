package ledger

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/shopspring/decimal"
)

type memoryAccount struct {
	balance decimal.Decimal
	entries []models.LedgerEntry
}

type memoryStripe struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
}

// txSlot is one external transaction id. done closes once the append that
// reserved it has finished; entry is set only if that append succeeded.
type txSlot struct {
	done  chan struct{}
	entry *models.LedgerEntry
}

type txShard struct {
	mu    sync.Mutex
	slots map[string]*txSlot
}

// MemoryStore keeps the ledger in process. Users are spread over lock
// stripes and transaction ids over index shards, so unrelated users never
// contend on one mutex. A shard lock is held only to look up or reserve a
// slot, never across a balance check.
type MemoryStore struct {
	stripes  []*memoryStripe
	txShards []*txShard

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(stripes int, now func() time.Time) *MemoryStore {
	if stripes <= 0 {
		stripes = 64
	}
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		stripes:  make([]*memoryStripe, stripes),
		txShards: make([]*txShard, stripes),
		now:      now,
	}
	for i := range s.stripes {
		s.stripes[i] = &memoryStripe{accounts: make(map[string]*memoryAccount)}
		s.txShards[i] = &txShard{slots: make(map[string]*txSlot)}
	}
	return s
}

func hashKey(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (s *MemoryStore) stripe(userID string) *memoryStripe {
	return s.stripes[hashKey(userID, len(s.stripes))]
}

func (s *MemoryStore) txShard(txID string) *txShard {
	return s.txShards[hashKey(txID, len(s.txShards))]
}

// reserveTx claims txID for the caller. If the id is already booked the
// original entry is returned instead. A concurrent append of the same id is
// waited for: if it fails, the id is free again and the caller retries.
func (s *MemoryStore) reserveTx(ctx context.Context, txID string) (*txSlot, *models.LedgerEntry, error) {
	sh := s.txShard(txID)
	for {
		sh.mu.Lock()
		slot, ok := sh.slots[txID]
		if !ok {
			slot = &txSlot{done: make(chan struct{})}
			sh.slots[txID] = slot
			sh.mu.Unlock()
			return slot, nil, nil
		}
		sh.mu.Unlock()

		select {
		case <-slot.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if slot.entry != nil {
			return nil, slot.entry, nil
		}
	}
}

// releaseTx books entry on the reserved slot, or frees the id when the
// append failed.
func (s *MemoryStore) releaseTx(txID string, slot *txSlot, entry *models.LedgerEntry) {
	sh := s.txShard(txID)
	sh.mu.Lock()
	if entry == nil {
		delete(sh.slots, txID)
	} else {
		slot.entry = entry
	}
	sh.mu.Unlock()
	close(slot.done)
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.ExternalTransactionID == "" {
		return s.apply(req)
	}

	slot, existing, err := s.reserveTx(ctx, req.ExternalTransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		out := *existing
		return &out, ErrDuplicateTransaction
	}

	entry, err := s.apply(req)
	if err != nil {
		s.releaseTx(req.ExternalTransactionID, slot, nil)
		return nil, err
	}
	booked := *entry
	s.releaseTx(req.ExternalTransactionID, slot, &booked)
	return entry, nil
}

// apply checks the balance and books the entry under the user's stripe.
func (s *MemoryStore) apply(req AppendRequest) (*models.LedgerEntry, error) {
	st := s.stripe(req.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	acct, ok := st.accounts[req.UserID]
	if !ok {
		acct = &memoryAccount{balance: decimal.Zero}
	}

	entry := newEntry(req, s.now())
	next := acct.balance.Add(entry.Amount)
	if next.IsNegative() {
		return nil, ErrInsufficientBalance
	}

	acct.balance = next
	acct.entries = append(acct.entries, *entry)
	st.accounts[req.UserID] = acct

	out := *entry
	return &out, nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	st := s.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if acct, ok := st.accounts[userID]; ok {
		return acct.balance, nil
	}
	return decimal.Zero, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	st := s.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	acct, ok := st.accounts[userID]
	if !ok {
		return []models.LedgerEntry{}, nil
	}
	out := make([]models.LedgerEntry, 0, min(limit, len(acct.entries)))
	for i := len(acct.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, acct.entries[i])
	}
	return out, nil
}

// Health implements Store.
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}
