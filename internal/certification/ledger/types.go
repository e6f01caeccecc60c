// Package ledger is a thin façade over the external notarization capability.
// It enforces the lock state machine of notarization records client-side
// before anything is submitted to the network.
package ledger

import (
	"fmt"
	"time"
)

// Method is the variant of a notarization record.
type Method string

const (
	// Dynamic records have mutable state and metadata and may be transferred.
	Dynamic Method = "Dynamic"
	// Locked records are fixed at creation and never transferable.
	Locked Method = "Locked"
)

// Capabilities lists which mutations a method permits at all. Time-based
// locks are evaluated separately by the backend.
type Capabilities struct {
	UpdateState    bool
	UpdateMetadata bool
	Transfer       bool
}

// Capabilities returns the capability set of m.
func (m Method) Capabilities() Capabilities {
	switch m {
	case Dynamic:
		return Capabilities{UpdateState: true, UpdateMetadata: true, Transfer: true}
	default:
		return Capabilities{}
	}
}

func (m Method) Valid() bool {
	return m == Dynamic || m == Locked
}

// LockKind selects how a TimeLock behaves.
type LockKind string

const (
	LockNone           LockKind = "None"
	LockUnlockAt       LockKind = "UnlockAt"
	LockUntilDestroyed LockKind = "UntilDestroyed"
)

// TimeLock is a delete or transfer lock. UnlockAt is kept in Unix seconds,
// the unit of the ledger's lock primitive.
type TimeLock struct {
	Kind     LockKind `json:"type"`
	UnlockAt int64    `json:"unlockAt,omitempty"`
}

// NoLock returns a lock that never blocks.
func NoLock() TimeLock {
	return TimeLock{Kind: LockNone}
}

// UnlockAt returns a lock that releases at t, truncated to whole seconds.
func UnlockAt(t time.Time) TimeLock {
	return TimeLock{Kind: LockUnlockAt, UnlockAt: t.Unix()}
}

// UntilDestroyed returns a lock that holds for the record's whole life.
func UntilDestroyed() TimeLock {
	return TimeLock{Kind: LockUntilDestroyed}
}

// ActiveAt reports whether the lock still blocks at now.
func (l TimeLock) ActiveAt(now time.Time) bool {
	switch l.Kind {
	case LockUnlockAt:
		return now.Unix() < l.UnlockAt
	case LockUntilDestroyed:
		return true
	default:
		return false
	}
}

// UnlockTime returns the release time of an UnlockAt lock.
func (l TimeLock) UnlockTime() (time.Time, bool) {
	if l.Kind != LockUnlockAt {
		return time.Time{}, false
	}
	return time.Unix(l.UnlockAt, 0).UTC(), true
}

func (l TimeLock) validate(now time.Time, allowUntilDestroyed bool) error {
	switch l.Kind {
	case "", LockNone:
		return nil
	case LockUnlockAt:
		if l.UnlockAt <= now.Unix() {
			return fmt.Errorf("unlockAt %d must be in the future", l.UnlockAt)
		}
		return nil
	case LockUntilDestroyed:
		if !allowUntilDestroyed {
			return fmt.Errorf("lock kind %s not supported here", l.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown lock kind %q", l.Kind)
	}
}

// State is the append-only payload of a record.
type State struct {
	Content  string `json:"content"`
	Metadata string `json:"metadata"`
}

// Locks are the derived lock predicates of a record.
type Locks struct {
	TransferLocked bool `json:"transferLocked"`
	UpdateLocked   bool `json:"updateLocked"`
	DestroyAllowed bool `json:"destroyAllowed"`
}

// Record is the on-ledger view of a notarization.
type Record struct {
	ID                string    `json:"id"`
	Method            Method    `json:"method"`
	State             State     `json:"state"`
	Description       string    `json:"description"`
	UpdatableMetadata string    `json:"updatableMetadata"`
	VersionCount      uint64    `json:"versionCount"`
	CreatedAt         time.Time `json:"createdAt"`
	Owner             string    `json:"owner"`
	DeleteLock        TimeLock  `json:"deleteLock"`
	TransferLock      TimeLock  `json:"transferLock"`
}

// LocksAt derives the lock predicates of r at now.
func (r *Record) LocksAt(now time.Time) Locks {
	if r.Method == Locked {
		return Locks{
			TransferLocked: true,
			UpdateLocked:   true,
			DestroyAllowed: !r.DeleteLock.ActiveAt(now),
		}
	}
	transferLocked := r.TransferLock.ActiveAt(now)
	return Locks{
		TransferLocked: transferLocked,
		UpdateLocked:   false,
		DestroyAllowed: !transferLocked,
	}
}

// Details is the full read model returned to callers.
type Details struct {
	RecordID     string    `json:"notarizationId"`
	State        State     `json:"state"`
	VersionCount uint64    `json:"versionCount"`
	Description  string    `json:"description"`
	Metadata     string    `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
	Method       Method    `json:"method"`
	Locks        Locks     `json:"locks"`
}

// LockMetadata describes the configured locks of a record.
type LockMetadata struct {
	RecordID     string     `json:"notarizationId"`
	Method       Method     `json:"method"`
	DeleteLock   TimeLock   `json:"deleteLock"`
	DeleteLockAt *time.Time `json:"deleteLockDate,omitempty"`
	TransferLock TimeLock   `json:"transferLock"`
	Locks        Locks      `json:"locks"`
}

// OpKind names an operation submitted to the ledger.
type OpKind string

const (
	OpCreate         OpKind = "create"
	OpUpdateState    OpKind = "update_state"
	OpUpdateMetadata OpKind = "update_metadata"
	OpTransfer       OpKind = "transfer"
	OpDestroy        OpKind = "destroy"
)

// Operation is what the client hands to the backend for signing and
// submission. Fields irrelevant to Kind are left empty.
type Operation struct {
	Kind         OpKind    `json:"kind"`
	RecordID     string    `json:"recordId,omitempty"`
	Method       Method    `json:"method,omitempty"`
	State        State     `json:"state"`
	Description  string    `json:"description,omitempty"`
	DeleteLock   TimeLock  `json:"deleteLock"`
	TransferLock TimeLock  `json:"transferLock"`
	Recipient    string    `json:"recipient,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Nonce        string    `json:"nonce,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// Receipt is the outcome of a submitted operation.
type Receipt struct {
	RecordID string    `json:"notarizationId,omitempty"`
	TxDigest string    `json:"transactionDigest"`
	Method   Method    `json:"type,omitempty"`
	At       time.Time `json:"timestamp"`
}

// CreateRequest describes a new record.
type CreateRequest struct {
	Method      Method
	Content     string
	Metadata    string
	Description string
	// Lock is the delete lock of a Locked record or the transfer lock of a
	// Dynamic one.
	Lock TimeLock
}

// WalletInfo describes the signing account.
type WalletInfo struct {
	Address       string `json:"address"`
	Balance       string `json:"balance"`
	Network       string `json:"network"`
	HasPrivateKey bool   `json:"hasPrivateKey"`
}

// Health is the outcome of a health probe.
type Health struct {
	Healthy    bool       `json:"success"`
	Status     string     `json:"status"`
	Wallet     WalletInfo `json:"wallet"`
	Network    string     `json:"network"`
	PackageID  string     `json:"packageId"`
	Connection string     `json:"connection"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
