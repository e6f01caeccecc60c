package models

import (
	"time"

	"github.com/google/uuid"
)

// SagaState is a step of the issuance saga.
type SagaState string

const (
	SagaPrepared                   SagaState = "prepared"
	SagaLedgerCommittedPendingLink SagaState = "ledger_committed_pending_link"
	SagaLinked                     SagaState = "linked"
	SagaAborted                    SagaState = "aborted"
	SagaReconciliationRequired     SagaState = "reconciliation_required"
	SagaResolved                   SagaState = "resolved"
)

// Unsettled reports whether the saga still needs operator attention.
func (s SagaState) Unsettled() bool {
	return s == SagaLedgerCommittedPendingLink || s == SagaReconciliationRequired
}

// SagaEntry journals one issuance. It is written outside the issuance
// transaction so it survives a rollback.
type SagaEntry struct {
	ID                uuid.UUID `gorm:"type:char(36);primaryKey"`
	CertificationCode string    `gorm:"size:32;index"`
	CompanyID         uuid.UUID `gorm:"type:char(36);index"`
	State             SagaState `gorm:"size:40;index;not null"`
	Digest            string    `gorm:"size:64"`
	DocumentPath      string    `gorm:"size:1024"`
	RecordID          string    `gorm:"size:128"`
	TxDigest          string    `gorm:"size:128"`
	LastError         string    `gorm:"size:3000"`
	ResolutionNote    string    `gorm:"size:3000"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (SagaEntry) TableName() string {
	return "certification_sagas"
}
