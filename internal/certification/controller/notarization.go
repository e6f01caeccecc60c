package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/gartstein/certoil/internal/certification/digest"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/metrics"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/gartstein/certoil/internal/certification/verifier"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

const destroyedNote = "notarization destroyed"

// Verify compares a presented document with the digest stored on the ledger.
// The staged document is removed afterwards.
func (s *CertificationService) Verify(ctx context.Context, id string, doc *storage.Staged) (*verifier.Result, error) {
	if doc == nil {
		return s.verifyResult(s.verifier.Verify(ctx, id, nil))
	}
	defer doc.Remove()

	f, err := doc.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.verifyResult(s.verifier.Verify(ctx, id, f))
}

// VerifyDigest compares an already computed digest with the ledger.
func (s *CertificationService) VerifyDigest(ctx context.Context, id, actual string) (*verifier.Result, error) {
	return s.verifyResult(s.verifier.VerifyDigest(ctx, id, actual))
}

func (s *CertificationService) verifyResult(res *verifier.Result, err error) (*verifier.Result, error) {
	if err != nil {
		return nil, err
	}
	switch {
	case res.Verified:
		s.recorder.ObserveVerification(metrics.ResultMatch)
	case res.ExpectedDigest == "":
		s.recorder.ObserveVerification(metrics.ResultNotFound)
	default:
		s.recorder.ObserveVerification(metrics.ResultMismatch)
	}
	return res, nil
}

func (s *CertificationService) GetDetails(ctx context.Context, id string) (*ledger.Details, error) {
	return s.ledger.Details(ctx, id)
}

func (s *CertificationService) GetLockMetadata(ctx context.Context, id string) (*ledger.LockMetadata, error) {
	return s.ledger.LockMetadata(ctx, id)
}

// CreateDynamic notarizes a digest as a mutable, transferable record.
func (s *CertificationService) CreateDynamic(ctx context.Context, req models.NotarizeRequest) (ledger.Receipt, error) {
	lock, err := toLock(req.TransferLock)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return s.ledger.Create(ctx, ledger.CreateRequest{
		Method:      ledger.Dynamic,
		Content:     req.Content,
		Metadata:    req.Metadata,
		Description: req.Description,
		Lock:        lock,
	})
}

// CreateLocked notarizes a digest as an immutable record with an optional
// delete lock.
func (s *CertificationService) CreateLocked(ctx context.Context, req models.NotarizeRequest) (ledger.Receipt, error) {
	lock, err := toLock(req.DeleteLock)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return s.ledger.Create(ctx, ledger.CreateRequest{
		Method:      ledger.Locked,
		Content:     req.Content,
		Metadata:    req.Metadata,
		Description: req.Description,
		Lock:        lock,
	})
}

func toLock(req *models.LockRequest) (ledger.TimeLock, error) {
	switch {
	case req == nil:
		return ledger.NoLock(), nil
	case req.UntilDestroyed && req.UnlockAt != 0:
		return ledger.TimeLock{}, fmt.Errorf("%w: unlockAt and untilDestroyed are exclusive", e.ErrInvalidLock)
	case req.UntilDestroyed:
		return ledger.UntilDestroyed(), nil
	case req.UnlockAt != 0:
		return ledger.TimeLock{Kind: ledger.LockUnlockAt, UnlockAt: req.UnlockAt}, nil
	default:
		return ledger.NoLock(), nil
	}
}

func (s *CertificationService) UpdateState(ctx context.Context, id string, req models.UpdateStateRequest) (ledger.Receipt, error) {
	r, err := s.ledger.UpdateState(ctx, id, req.Content, req.Metadata)
	if err != nil {
		return r, err
	}
	s.publish(events.Event{Type: events.NotarizationUpdated, NotarizationID: id, TxDigest: r.TxDigest, Detail: "state"})
	return r, nil
}

func (s *CertificationService) UpdateMetadata(ctx context.Context, id string, req models.UpdateMetadataRequest) (ledger.Receipt, error) {
	r, err := s.ledger.UpdateMetadata(ctx, id, req.Metadata)
	if err != nil {
		return r, err
	}
	s.publish(events.Event{Type: events.NotarizationUpdated, NotarizationID: id, TxDigest: r.TxDigest, Detail: "metadata"})
	return r, nil
}

func (s *CertificationService) Transfer(ctx context.Context, id string, req models.TransferRequest) (ledger.Receipt, error) {
	r, err := s.ledger.Transfer(ctx, id, req.RecipientAddress)
	if err != nil {
		return r, err
	}
	s.publish(events.Event{Type: events.NotarizationTransferred, NotarizationID: id, TxDigest: r.TxDigest, Detail: req.RecipientAddress})
	return r, nil
}

// Destroy removes a notarization once its locks allow it. A certification
// linked to the record keeps its row; the link is annotated instead.
func (s *CertificationService) Destroy(ctx context.Context, id string) (ledger.Receipt, error) {
	r, err := s.ledger.Destroy(ctx, id)
	if err != nil {
		return r, err
	}

	if err := s.store.AnnotateLink(context.WithoutCancel(ctx), id, destroyedNote); err != nil && !errors.Is(err, e.ErrNotFound) {
		s.logger.Error("Failed to annotate destroyed notarization",
			zap.String("notarization_id", id),
			zap.Error(err),
		)
	}
	s.publish(events.Event{Type: events.NotarizationDestroyed, NotarizationID: id, TxDigest: r.TxDigest})
	return r, nil
}

// HashFile digests an uploaded file and discards it.
func (s *CertificationService) HashFile(_ context.Context, doc *storage.Staged) (*models.HashResult, error) {
	if doc == nil {
		return nil, e.NewValidationError(validation.Errors{"file": validation.ErrRequired})
	}
	defer doc.Remove()

	sum, err := hashStaged(doc)
	if err != nil {
		return nil, err
	}
	return &models.HashResult{
		Hash:      sum,
		Algorithm: digest.Algorithm,
		FileName:  doc.Filename,
		Size:      doc.Size,
	}, nil
}

func (s *CertificationService) WalletInfo(ctx context.Context) (*ledger.WalletInfo, error) {
	return s.ledger.WalletInfo(ctx)
}

// HealthCheck probes the ledger and the database. It never fails.
func (s *CertificationService) HealthCheck(ctx context.Context) *models.Health {
	lh := s.ledger.HealthCheck(ctx)
	h := &models.Health{
		Healthy:   lh.Healthy,
		Status:    lh.Status,
		Ledger:    lh,
		Database:  "connected",
		Error:     lh.Error,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Database health check failed", zap.Error(err))
		h.Healthy = false
		h.Status = "unhealthy"
		h.Database = "disconnected"
		if h.Error == "" {
			h.Error = err.Error()
		}
	}
	return h
}
