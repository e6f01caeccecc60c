package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/google/uuid"
)

// MemoryBackend is an in-process ledger. It verifies operation signatures and
// enforces locks itself, so it behaves like the network for local runs and
// tests.
type MemoryBackend struct {
	mu          sync.RWMutex
	records     map[string]*Record
	now         func() time.Time
	balance     string
	submissions int
	failNext    error
}

func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{
		records: make(map[string]*Record),
		now:     now,
		balance: "1000000000",
	}
}

// Submissions returns how many operations reached the backend, accepted or not.
func (m *MemoryBackend) Submissions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.submissions
}

// FailNext makes the next submission fail with err.
func (m *MemoryBackend) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryBackend) Submit(_ context.Context, op Operation, signature string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions++

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return Receipt{}, err
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return Receipt{}, err
	}
	signer, err := RecoverSigner(payload, signature)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", e.ErrRejected, err)
	}
	if !strings.EqualFold(signer, op.Sender) {
		return Receipt{}, fmt.Errorf("%w: signature does not match sender %s", e.ErrRejected, op.Sender)
	}

	now := m.now()
	tx := hexutil.Encode(crypto.Keccak256(payload, []byte(signature)))

	if op.Kind == OpCreate {
		id := hexutil.Encode(crypto.Keccak256([]byte(uuid.NewString())))
		m.records[id] = &Record{
			ID:           id,
			Method:       op.Method,
			State:        op.State,
			Description:  op.Description,
			VersionCount: 0,
			CreatedAt:    now.UTC(),
			Owner:        op.Sender,
			DeleteLock:   op.DeleteLock,
			TransferLock: op.TransferLock,
		}
		return Receipt{RecordID: id, TxDigest: tx, Method: op.Method, At: now.UTC()}, nil
	}

	rec, ok := m.records[op.RecordID]
	if !ok {
		return Receipt{}, fmt.Errorf("notarization %s: %w", op.RecordID, e.ErrNotFound)
	}
	if !strings.EqualFold(rec.Owner, op.Sender) {
		return Receipt{}, fmt.Errorf("%w: sender %s does not own notarization %s", e.ErrRejected, op.Sender, op.RecordID)
	}
	caps := rec.Method.Capabilities()
	locks := rec.LocksAt(now)

	switch op.Kind {
	case OpUpdateState:
		if !caps.UpdateState {
			return Receipt{}, e.ErrImmutableRecord
		}
		rec.State = op.State
		rec.VersionCount++
	case OpUpdateMetadata:
		if !caps.UpdateMetadata {
			return Receipt{}, e.ErrImmutableRecord
		}
		rec.UpdatableMetadata = op.State.Metadata
	case OpTransfer:
		if !caps.Transfer {
			return Receipt{}, e.ErrImmutableRecord
		}
		if locks.TransferLocked {
			return Receipt{}, e.ErrLocked
		}
		rec.Owner = op.Recipient
	case OpDestroy:
		if !locks.DestroyAllowed {
			return Receipt{}, e.ErrLocked
		}
		delete(m.records, rec.ID)
	default:
		return Receipt{}, fmt.Errorf("unsupported operation %q", op.Kind)
	}
	return Receipt{RecordID: rec.ID, TxDigest: tx, Method: rec.Method, At: now.UTC()}, nil
}

func (m *MemoryBackend) Record(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("notarization %s: %w", id, e.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) Balance(_ context.Context, _ string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, nil
}
