package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/gartstein/certoil/internal/certification/codegen"
	dbmodels "github.com/gartstein/certoil/internal/certification/db/models"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListCertifications returns certifications newest first. A non-positive
// limit returns all of them.
func (s *CertificationService) ListCertifications(ctx context.Context, limit, offset int) ([]models.CertificationSummary, error) {
	certs, err := s.store.ListCertifications(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list certifications: %w", err)
	}
	out := make([]models.CertificationSummary, 0, len(certs))
	for i := range certs {
		out = append(out, toSummary(&certs[i]))
	}
	return out, nil
}

func (s *CertificationService) GetCertification(ctx context.Context, code string) (*models.CertificationSummary, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codegen.IsWellFormed(code) {
		return nil, fmt.Errorf("%w: malformed certification code %q", e.ErrInvalidInput, code)
	}
	cert, err := s.store.GetCertificationByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	summary := toSummary(cert)
	return &summary, nil
}

// PendingReconciliations lists issuances whose ledger record may be unlinked.
func (s *CertificationService) PendingReconciliations(ctx context.Context) ([]dbmodels.SagaEntry, error) {
	return s.journal.ListSagas(ctx, dbmodels.SagaLedgerCommittedPendingLink, dbmodels.SagaReconciliationRequired)
}

// ResolveReconciliation closes an unsettled issuance after an operator has
// dealt with its ledger record.
func (s *CertificationService) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string) (*dbmodels.SagaEntry, error) {
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("%w: a resolution note is required", e.ErrInvalidInput)
	}
	saga, err := s.journal.ResolveSaga(ctx, id, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Reconciliation resolved",
		zap.String("saga_id", saga.ID.String()),
		zap.String("code", saga.CertificationCode),
		zap.String("notarization_id", saga.RecordID),
	)
	return saga, nil
}

func toSummary(c *dbmodels.Certification) models.CertificationSummary {
	summary := models.CertificationSummary{
		CompanyID:              c.CompanyID,
		CompanyName:            c.Company.CompanyName,
		OilData:                make([]models.OilDataView, 0, len(c.OilData)),
		CertificationID:        c.ID,
		CertificationCode:      c.Code,
		CertificationCreatedAt: c.CreatedAt,
		ExpiryDate:             c.ExpiryDate,
		Note:                   c.Note,
	}
	for _, row := range c.OilData {
		m := models.OilMeasurement{Name: row.Name, Value: row.Value, Unit: row.Unit}
		summary.OilData = append(summary.OilData, models.OilDataView{FormattedValue: m.Formatted(), Data: m})
	}
	if len(c.Documents) > 0 {
		summary.CertificatePath = c.Documents[0].DocumentPath
	}
	if c.Link != nil {
		summary.NotarizationID = c.Link.NotarizationID
		summary.TxDigest = c.Link.TxDigest
		summary.DocumentDigest = c.Link.DocumentDigest
	}
	return summary
}
