package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbmodels "github.com/gartstein/certoil/internal/certification/db/models"
	"github.com/gartstein/certoil/internal/certification/digest"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/metrics"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/gartstein/certoil/internal/pkg/dates"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Issue runs the issuance saga: relational rows are written in one
// transaction, the document digest is notarized as a Locked record whose
// delete lock expires with the certification, and the record is linked back
// before commit. A failure after the ledger may have accepted the record is
// returned as a *errors.ReconciliationError and must not be retried.
//
// The staged document is removed on every exit path.
func (s *CertificationService) Issue(ctx context.Context, req *models.IssueRequest) (*models.IssueResult, error) {
	start := s.now()
	if req.Document != nil {
		defer req.Document.Remove()
	}

	expiry, err := s.validateIssue(req)
	if err != nil {
		s.recorder.ObserveIssuance(metrics.OutcomeRejected, s.now().Sub(start))
		return nil, err
	}

	// The journal entry must exist before anything is written.
	saga := &dbmodels.SagaEntry{State: dbmodels.SagaPrepared}
	if err := s.journal.CreateSaga(ctx, saga); err != nil {
		s.recorder.ObserveIssuance(metrics.OutcomeFailed, s.now().Sub(start))
		return nil, fmt.Errorf("failed to open issuance journal: %w", err)
	}
	logger := s.logger.With(zap.String("saga_id", saga.ID.String()))

	var (
		receipt    *ledger.Receipt
		uncertain  bool
		storedPath string
		result     *models.IssueResult
	)

	// Once the ledger has been asked to commit, the transaction must reach a
	// verdict even if the caller goes away, so it never sees ctx cancellation.
	detached := context.WithoutCancel(ctx)
	err = s.store.WithTransaction(detached, func(tx Store) error {
		company := toCompanyRow(req.Company)
		if err := tx.UpsertCompany(ctx, company); err != nil {
			return fmt.Errorf("failed to upsert company: %w", err)
		}
		saga.CompanyID = company.ID

		code, err := s.codes.Generate(ctx, tx.CertificationCodeExists)
		if err != nil {
			return err
		}
		saga.CertificationCode = code

		cert := &dbmodels.Certification{
			ID:         uuid.New(),
			CompanyID:  company.ID,
			Code:       code,
			ExpiryDate: expiry,
			Note:       req.Note,
		}
		if err := tx.CreateCertification(ctx, cert); err != nil {
			return fmt.Errorf("failed to create certification: %w", err)
		}

		storedPath, err = s.docs.Save(company.ID, cert.ID, req.Document)
		if err != nil {
			return fmt.Errorf("failed to store document: %w", err)
		}
		if err := tx.CreateDocument(ctx, &dbmodels.Document{
			ID:              uuid.New(),
			CompanyID:       company.ID,
			CertificationID: cert.ID,
			DocumentName:    req.Document.Filename,
			DocumentPath:    storedPath,
		}); err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		if err := tx.CreateOilData(ctx, toOilRows(company.ID, cert.ID, req.OilData)); err != nil {
			return fmt.Errorf("failed to create oil data: %w", err)
		}

		sum, err := hashStaged(req.Document)
		if err != nil {
			return err
		}
		if !digest.IsValid(sum) {
			return fmt.Errorf("%w: computed digest %q is malformed", e.ErrIntegrity, sum)
		}
		saga.Digest, saga.DocumentPath = sum, storedPath

		// Last point at which giving up leaves nothing behind.
		if err := ctx.Err(); err != nil {
			return err
		}

		r, err := s.ledger.Create(detached, ledger.CreateRequest{
			Method:      ledger.Locked,
			Content:     sum,
			Metadata:    code,
			Description: describe(code, company.CompanyName, expiry),
			Lock:        ledger.UnlockAt(expiry),
		})
		if err != nil {
			uncertain = errors.Is(err, e.ErrOutcomeUnknown)
			return fmt.Errorf("ledger submission failed: %w", err)
		}
		receipt = &r

		saga.State = dbmodels.SagaLedgerCommittedPendingLink
		saga.RecordID, saga.TxDigest = r.RecordID, r.TxDigest
		s.saveSaga(detached, logger, saga)

		if err := tx.CreateNotarizationLink(detached, &dbmodels.NotarizationLink{
			ID:              uuid.New(),
			CertificationID: cert.ID,
			TxDigest:        r.TxDigest,
			NotarizationID:  r.RecordID,
			DocumentDigest:  sum,
		}); err != nil {
			return fmt.Errorf("failed to link notarization: %w", err)
		}

		result = &models.IssueResult{
			CertificationID:   cert.ID,
			CertificationCode: code,
			CompanyID:         company.ID,
			NotarizationID:    r.RecordID,
			TxDigest:          r.TxDigest,
			DocumentDigest:    sum,
			ExpiryDate:        expiry,
		}
		return nil
	})

	if err != nil {
		if receipt != nil || uncertain {
			return nil, s.requireReconciliation(detached, logger, saga, start, err)
		}
		if storedPath != "" {
			_ = s.docs.Remove(storedPath)
		}
		saga.State = dbmodels.SagaAborted
		saga.LastError = err.Error()
		s.saveSaga(detached, logger, saga)

		outcome := metrics.OutcomeFailed
		if errors.Is(err, e.ErrInvalidInput) || errors.Is(err, e.ErrInvalidLock) {
			outcome = metrics.OutcomeRejected
		}
		s.recorder.ObserveIssuance(outcome, s.now().Sub(start))
		logger.Warn("Certification issuance rolled back", zap.Error(err))
		return nil, err
	}

	saga.State = dbmodels.SagaLinked
	s.saveSaga(detached, logger, saga)

	s.publish(events.Event{
		Type:              events.CertificationIssued,
		CertificationCode: result.CertificationCode,
		NotarizationID:    result.NotarizationID,
		TxDigest:          result.TxDigest,
		SagaID:            saga.ID.String(),
	})
	s.recorder.ObserveIssuance(metrics.OutcomeIssued, s.now().Sub(start))
	logger.Info("Certification issued",
		zap.String("code", result.CertificationCode),
		zap.String("notarization_id", result.NotarizationID),
		zap.String("tx_digest", result.TxDigest),
		zap.String("expires", dates.ToSQLDate(result.ExpiryDate)),
		zap.Int("valid_days", dates.DaysBetween(s.now(), result.ExpiryDate)),
	)
	return result, nil
}

// requireReconciliation flags a ledger record that exists, or may exist,
// without its relational counterpart. The stored document is kept for the
// operator.
func (s *CertificationService) requireReconciliation(
	ctx context.Context,
	logger *zap.Logger,
	saga *dbmodels.SagaEntry,
	start time.Time,
	cause error,
) error {
	saga.State = dbmodels.SagaReconciliationRequired
	saga.LastError = cause.Error()
	s.saveSaga(ctx, logger, saga)

	msg := "Notarization committed but not linked, reconciliation required"
	if saga.RecordID == "" {
		msg = "Notarization submission outcome unknown, reconciliation required"
	}
	logger.Error(msg,
		zap.String("code", saga.CertificationCode),
		zap.String("notarization_id", saga.RecordID),
		zap.String("tx_digest", saga.TxDigest),
		zap.String("digest", saga.Digest),
		zap.String("document_path", saga.DocumentPath),
		zap.Error(cause),
	)
	s.publish(events.Event{
		Type:              events.ReconciliationRequired,
		CertificationCode: saga.CertificationCode,
		NotarizationID:    saga.RecordID,
		TxDigest:          saga.TxDigest,
		SagaID:            saga.ID.String(),
		Detail:            cause.Error(),
	})
	s.recorder.ObserveIssuance(metrics.OutcomeReconciliationRequired, s.now().Sub(start))

	return &e.ReconciliationError{
		SagaID:            saga.ID.String(),
		CertificationCode: saga.CertificationCode,
		RecordID:          saga.RecordID,
		TxDigest:          saga.TxDigest,
		Cause:             cause,
	}
}

// saveSaga persists a journal transition. When the journal is unreachable the
// log line is the only trace left, so it carries the full entry.
func (s *CertificationService) saveSaga(ctx context.Context, logger *zap.Logger, saga *dbmodels.SagaEntry) {
	if err := s.journal.SaveSaga(ctx, saga); err != nil {
		logger.Error("Failed to record issuance step",
			zap.String("state", string(saga.State)),
			zap.String("code", saga.CertificationCode),
			zap.String("notarization_id", saga.RecordID),
			zap.String("tx_digest", saga.TxDigest),
			zap.Error(err),
		)
	}
}

func hashStaged(staged *storage.Staged) (string, error) {
	f, err := staged.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := digest.SumReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash document: %w", err)
	}
	return sum, nil
}

func describe(code, companyName string, expiry time.Time) string {
	return fmt.Sprintf("Olive oil certification %s issued to %s, valid until %s",
		code, companyName, dates.FormatItalian(expiry, false))
}

func toCompanyRow(c *models.CompanyData) *dbmodels.Company {
	return &dbmodels.Company{
		CompanyName:    c.CompanyName,
		Address:        c.Address,
		ZipCode:        c.ZipCode,
		City:           c.City,
		Province:       c.Province,
		VatNumber:      c.VatNumber,
		TaxCode:        c.TaxCode,
		Email:          c.Email,
		CertifiedEmail: c.CertifiedEmail,
		PhoneNumber:    c.PhoneNumber,
		Website:        c.Website,
	}
}

func toOilRows(companyID, certificationID uuid.UUID, data []models.OilMeasurement) []dbmodels.OilData {
	rows := make([]dbmodels.OilData, 0, len(data))
	for _, m := range data {
		rows = append(rows, dbmodels.OilData{
			ID:              uuid.New(),
			CompanyID:       companyID,
			CertificationID: certificationID,
			Name:            m.Name,
			Value:           m.Value,
			Unit:            m.Unit,
		})
	}
	return rows
}
