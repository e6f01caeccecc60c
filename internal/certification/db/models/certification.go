// Package models contains the relational rows of the certification store,
// configured to work using GORM as the ORM.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Company is the certified entity. Email is the natural key used for upserts.
type Company struct {
	ID             uuid.UUID `gorm:"type:char(36);primaryKey"`
	CompanyName    string    `gorm:"size:255;not null"`
	Address        string    `gorm:"size:255;not null"`
	ZipCode        string    `gorm:"size:16;not null"`
	City           string    `gorm:"size:128;not null"`
	Province       string    `gorm:"size:64;not null"`
	VatNumber      string    `gorm:"size:32;not null"`
	TaxCode        string    `gorm:"size:32;not null"`
	Email          string    `gorm:"size:255;uniqueIndex;not null"`
	CertifiedEmail *string   `gorm:"size:255;index"`
	PhoneNumber    *string   `gorm:"size:32"`
	Website        *string   `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Certification is one issuance event. Code and ExpiryDate are never edited
// once the notarization is linked.
type Certification struct {
	ID         uuid.UUID `gorm:"type:char(36);primaryKey"`
	CompanyID  uuid.UUID `gorm:"type:char(36);index;not null"`
	Code       string    `gorm:"size:32;uniqueIndex;not null"`
	ExpiryDate time.Time `gorm:"not null"`
	Note       *string   `gorm:"size:3000"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Company   Company           `gorm:"foreignKey:CompanyID"`
	Documents []Document        `gorm:"foreignKey:CertificationID"`
	OilData   []OilData         `gorm:"foreignKey:CertificationID"`
	Link      *NotarizationLink `gorm:"foreignKey:CertificationID"`
}

// Document describes where the certified file is stored.
type Document struct {
	ID              uuid.UUID `gorm:"type:char(36);primaryKey"`
	CompanyID       uuid.UUID `gorm:"type:char(36);index;not null"`
	CertificationID uuid.UUID `gorm:"type:char(36);index;not null"`
	DocumentName    string    `gorm:"size:255;not null"`
	DocumentPath    string    `gorm:"size:1024;not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OilData is one named quality measurement.
type OilData struct {
	ID              uuid.UUID `gorm:"type:char(36);primaryKey"`
	CompanyID       uuid.UUID `gorm:"type:char(36);index;not null"`
	CertificationID uuid.UUID `gorm:"type:char(36);index;not null"`
	Name            string    `gorm:"size:255;not null"`
	Value           string    `gorm:"size:255;not null"`
	Unit            string    `gorm:"size:64;not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (OilData) TableName() string {
	return "oil_data"
}

// NotarizationLink joins a certification to its ledger record.
type NotarizationLink struct {
	ID              uuid.UUID `gorm:"type:char(36);primaryKey"`
	CertificationID uuid.UUID `gorm:"type:char(36);uniqueIndex;not null"`
	TxDigest        string    `gorm:"size:128;not null"`
	NotarizationID  string    `gorm:"size:128;index;not null"`
	DocumentDigest  string    `gorm:"size:64;not null;default:''"`
	Note            *string   `gorm:"size:3000"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (NotarizationLink) TableName() string {
	return "iota_certifications"
}
