package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gartstein/certoil/internal/certification/digest"
	e "github.com/gartstein/certoil/internal/certification/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer is notified of every submission attempt.
type Observer interface {
	ObserveSubmission(op OpKind, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveSubmission(OpKind, error) {}

// Config identifies the network the client talks to.
type Config struct {
	Network   string
	PackageID string
	// InitAttempts bounds connection attempts per initialization.
	InitAttempts uint64
}

type readiness int

const (
	uninitialized readiness = iota
	ready
	failed
)

func (r readiness) String() string {
	switch r {
	case ready:
		return "ready"
	case failed:
		return "failed"
	default:
		return "uninitialized"
	}
}

type connState struct {
	state   readiness
	backend Backend
	reason  error
}

// Client is the lock-aware notarization client. It connects lazily on the
// first call and caches the connection for the process lifetime; after a
// failed initialization the next call tries again.
type Client struct {
	connect  Connector
	wallet   *Wallet
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	observer Observer

	initMu sync.Mutex
	conn   atomic.Pointer[connState]
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the time source used for lock evaluation.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithObserver registers a submission observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func NewClient(connect Connector, wallet *Wallet, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if cfg.InitAttempts == 0 {
		cfg.InitAttempts = 3
	}
	c := &Client{
		connect:  connect,
		wallet:   wallet,
		cfg:      cfg,
		logger:   logger.Named("ledger_client"),
		now:      time.Now,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conn.Store(&connState{state: uninitialized})
	return c
}

// State reports the readiness of the connection and the last failure.
func (c *Client) State() (string, error) {
	s := c.conn.Load()
	return s.state.String(), s.reason
}

// ensureReady returns the cached backend, initializing it if needed.
func (c *Client) ensureReady(ctx context.Context) (Backend, error) {
	if s := c.conn.Load(); s.state == ready {
		return s.backend, nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()
	if s := c.conn.Load(); s.state == ready {
		return s.backend, nil
	}

	if c.wallet == nil {
		err := fmt.Errorf("%w: no signing wallet configured", e.ErrLedgerUnavailable)
		c.conn.Store(&connState{state: failed, reason: err})
		return nil, err
	}

	c.logger.Info("Initializing notarization client",
		zap.String("network", c.cfg.Network),
		zap.String("package_id", c.cfg.PackageID),
	)

	var backend Backend
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.InitAttempts-1), ctx)
	err := backoff.Retry(func() error {
		b, err := c.connect(ctx)
		if err != nil {
			return err
		}
		backend = b
		return nil
	}, policy)
	if err != nil {
		wrapped := fmt.Errorf("%w: initialization failed: %v", e.ErrLedgerUnavailable, err)
		c.conn.Store(&connState{state: failed, reason: wrapped})
		c.logger.Error("Notarization client initialization failed", zap.Error(err))
		return nil, wrapped
	}

	c.conn.Store(&connState{state: ready, backend: backend})
	c.logger.Info("Notarization client initialized",
		zap.String("address", c.wallet.Address()),
	)
	return backend, nil
}

// Create submits a new record. Content must be a digest; the lock must be
// absent or in the future.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Receipt, error) {
	if err := e.NewValidationError(validation.Errors{
		"method":  validation.Validate(string(req.Method), validation.Required, validation.In(string(Dynamic), string(Locked))),
		"content": validation.Validate(req.Content, validation.Required, validation.By(digestShape)),
	}); err != nil {
		return Receipt{}, err
	}
	if err := req.Lock.validate(c.now(), req.Method == Dynamic); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", e.ErrInvalidLock, err)
	}

	backend, err := c.ensureReady(ctx)
	if err != nil {
		return Receipt{}, err
	}

	lock := req.Lock
	if lock.Kind == "" {
		lock = NoLock()
	}
	op := Operation{
		Kind:        OpCreate,
		Method:      req.Method,
		State:       State{Content: digest.Normalize(req.Content), Metadata: req.Metadata},
		Description: req.Description,
	}
	if req.Method == Locked {
		op.DeleteLock = lock
		op.TransferLock = UntilDestroyed()
	} else {
		op.DeleteLock = NoLock()
		op.TransferLock = lock
	}

	if unlock, ok := lock.UnlockTime(); ok {
		c.logger.Info("Setting lock",
			zap.String("method", string(req.Method)),
			zap.Time("unlock_at", unlock),
		)
	}

	receipt, err := c.submit(ctx, backend, op)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Method = req.Method
	return receipt, nil
}

// ReadState returns the current state of a record.
func (c *Client) ReadState(ctx context.Context, id string) (State, error) {
	rec, err := c.record(ctx, id)
	if err != nil {
		return State{}, err
	}
	return rec.State, nil
}

// ReadLocks returns the lock predicates of a record as of now.
func (c *Client) ReadLocks(ctx context.Context, id string) (Locks, error) {
	rec, err := c.record(ctx, id)
	if err != nil {
		return Locks{}, err
	}
	return rec.LocksAt(c.now()), nil
}

// Details returns the full read model of a record.
func (c *Client) Details(ctx context.Context, id string) (*Details, error) {
	rec, err := c.record(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Details{
		RecordID:     rec.ID,
		State:        rec.State,
		VersionCount: rec.VersionCount,
		Description:  rec.Description,
		Metadata:     rec.UpdatableMetadata,
		CreatedAt:    rec.CreatedAt,
		Method:       rec.Method,
		Locks:        rec.LocksAt(c.now()),
	}, nil
}

// LockMetadata returns the configured locks of a record.
func (c *Client) LockMetadata(ctx context.Context, id string) (*LockMetadata, error) {
	rec, err := c.record(ctx, id)
	if err != nil {
		return nil, err
	}
	meta := &LockMetadata{
		RecordID:     rec.ID,
		Method:       rec.Method,
		DeleteLock:   rec.DeleteLock,
		TransferLock: rec.TransferLock,
		Locks:        rec.LocksAt(c.now()),
	}
	if t, ok := rec.DeleteLock.UnlockTime(); ok {
		meta.DeleteLockAt = &t
	}
	return meta, nil
}

// UpdateState replaces the state of a Dynamic record.
func (c *Client) UpdateState(ctx context.Context, id, content, metadata string) (Receipt, error) {
	if err := e.NewValidationError(validation.Errors{
		"notarizationId": validation.Validate(id, validation.Required),
		"content":        validation.Validate(content, validation.Required, validation.By(digestShape)),
	}); err != nil {
		return Receipt{}, err
	}
	rec, backend, err := c.mutable(ctx, id, func(caps Capabilities) bool { return caps.UpdateState }, "update state of")
	if err != nil {
		return Receipt{}, err
	}
	return c.submit(ctx, backend, Operation{
		Kind:     OpUpdateState,
		RecordID: rec.ID,
		State:    State{Content: digest.Normalize(content), Metadata: metadata},
	})
}

// UpdateMetadata replaces the updatable metadata of a Dynamic record.
func (c *Client) UpdateMetadata(ctx context.Context, id, metadata string) (Receipt, error) {
	if err := e.NewValidationError(validation.Errors{
		"notarizationId": validation.Validate(id, validation.Required),
	}); err != nil {
		return Receipt{}, err
	}
	rec, backend, err := c.mutable(ctx, id, func(caps Capabilities) bool { return caps.UpdateMetadata }, "update metadata of")
	if err != nil {
		return Receipt{}, err
	}
	return c.submit(ctx, backend, Operation{
		Kind:     OpUpdateMetadata,
		RecordID: rec.ID,
		State:    State{Metadata: metadata},
	})
}

// Transfer hands a Dynamic record to recipient.
func (c *Client) Transfer(ctx context.Context, id, recipient string) (Receipt, error) {
	if err := e.NewValidationError(validation.Errors{
		"notarizationId":   validation.Validate(id, validation.Required),
		"recipientAddress": validation.Validate(strings.TrimSpace(recipient), validation.Required),
	}); err != nil {
		return Receipt{}, err
	}
	rec, backend, err := c.mutable(ctx, id, func(caps Capabilities) bool { return caps.Transfer }, "transfer")
	if err != nil {
		return Receipt{}, err
	}
	if rec.LocksAt(c.now()).TransferLocked {
		return Receipt{}, fmt.Errorf("%w: notarization %s has an active transfer lock", e.ErrLocked, id)
	}
	return c.submit(ctx, backend, Operation{
		Kind:      OpTransfer,
		RecordID:  rec.ID,
		Recipient: strings.TrimSpace(recipient),
	})
}

// Destroy deletes a record once its locks allow it.
func (c *Client) Destroy(ctx context.Context, id string) (Receipt, error) {
	if err := e.NewValidationError(validation.Errors{
		"notarizationId": validation.Validate(id, validation.Required),
	}); err != nil {
		return Receipt{}, err
	}
	rec, err := c.record(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if !rec.LocksAt(c.now()).DestroyAllowed {
		return Receipt{}, fmt.Errorf("%w: notarization %s cannot be destroyed yet", e.ErrLocked, id)
	}
	backend, err := c.ensureReady(ctx)
	if err != nil {
		return Receipt{}, err
	}
	return c.submit(ctx, backend, Operation{Kind: OpDestroy, RecordID: rec.ID})
}

// WalletInfo describes the signing account.
func (c *Client) WalletInfo(ctx context.Context) (*WalletInfo, error) {
	backend, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := backend.Balance(ctx, c.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: balance lookup: %v", e.ErrLedgerUnavailable, err)
	}
	return &WalletInfo{
		Address:       c.wallet.Address(),
		Balance:       balance,
		Network:       c.cfg.Network,
		HasPrivateKey: c.wallet.HasPrivateKey(),
	}, nil
}

// HealthCheck probes the ledger through the wallet balance. It never fails;
// problems are reported in the returned Health.
func (c *Client) HealthCheck(ctx context.Context) *Health {
	h := &Health{
		Network:   c.cfg.Network,
		PackageID: c.cfg.PackageID,
		Timestamp: c.now().UTC(),
	}
	info, err := c.WalletInfo(ctx)
	h.Connection, _ = c.State()
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	h.Status = "healthy"
	h.Wallet = *info
	return h
}

func (c *Client) record(ctx context.Context, id string) (*Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, e.NewValidationError(validation.Errors{
			"notarizationId": validation.ErrRequired,
		})
	}
	backend, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := backend.Record(ctx, id)
	if err != nil {
		if errors.Is(err, e.ErrNotFound) {
			return nil, fmt.Errorf("notarization %s: %w", id, e.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: read notarization %s: %v", e.ErrLedgerUnavailable, id, err)
	}
	return rec, nil
}

// mutable loads a record and checks its method permits the mutation, so a
// Locked record is rejected without any submission.
func (c *Client) mutable(ctx context.Context, id string, allowed func(Capabilities) bool, verb string) (*Record, Backend, error) {
	rec, err := c.record(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !allowed(rec.Method.Capabilities()) {
		return nil, nil, fmt.Errorf("%w: cannot %s a %s notarization", e.ErrImmutableRecord, verb, rec.Method)
	}
	backend, err := c.ensureReady(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rec, backend, nil
}

func (c *Client) submit(ctx context.Context, backend Backend, op Operation) (Receipt, error) {
	op.Sender = c.wallet.Address()
	op.Nonce = uuid.NewString()
	op.IssuedAt = c.now().UTC()

	payload, err := json.Marshal(op)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode operation: %w", err)
	}
	sig, err := c.wallet.Sign(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to sign operation: %w", err)
	}

	receipt, err := backend.Submit(ctx, op, sig)
	c.observer.ObserveSubmission(op.Kind, err)
	if err != nil {
		c.logger.Error("Ledger submission failed",
			zap.String("op", string(op.Kind)),
			zap.String("record_id", op.RecordID),
			zap.Error(err),
		)
		if errors.Is(err, e.ErrLocked) || errors.Is(err, e.ErrImmutableRecord) || errors.Is(err, e.ErrNotFound) {
			return Receipt{}, err
		}
		if errors.Is(err, e.ErrRejected) {
			return Receipt{}, fmt.Errorf("%w: %s submission: %w", e.ErrLedgerUnavailable, op.Kind, err)
		}
		return Receipt{}, fmt.Errorf("%w: %w: %s submission: %v", e.ErrLedgerUnavailable, e.ErrOutcomeUnknown, op.Kind, err)
	}
	if receipt.RecordID == "" {
		receipt.RecordID = op.RecordID
	}
	if receipt.At.IsZero() {
		receipt.At = op.IssuedAt
	}
	return receipt, nil
}

func digestShape(value interface{}) error {
	s, _ := value.(string)
	if s == "" || digest.IsValid(s) {
		return nil
	}
	return fmt.Errorf("must be a valid SHA-256 hash (%d hex characters)", digest.Length)
}
