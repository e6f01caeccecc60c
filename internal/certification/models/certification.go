// Package models defines the request and response types of the certification
// service.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/google/uuid"
)

// CompanyData identifies the certified entity. The first eight fields are
// mandatory.
type CompanyData struct {
	CompanyName    string  `json:"companyName"`
	Address        string  `json:"address"`
	ZipCode        string  `json:"zipCode"`
	City           string  `json:"city"`
	Province       string  `json:"province"`
	VatNumber      string  `json:"vatNumber"`
	TaxCode        string  `json:"taxCode"`
	Email          string  `json:"email"`
	CertifiedEmail *string `json:"certifiedEmail,omitempty"`
	PhoneNumber    *string `json:"phoneNumber,omitempty"`
	Website        *string `json:"website,omitempty"`
}

// OilMeasurement is one named quality value. Value accepts a JSON string or
// number.
type OilMeasurement struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

func (m *OilMeasurement) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
		Unit  string          `json:"unit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Name, m.Unit = raw.Name, raw.Unit

	value := bytes.TrimSpace(raw.Value)
	switch {
	case len(value) == 0 || bytes.Equal(value, []byte("null")):
		m.Value = ""
	case value[0] == '"':
		return json.Unmarshal(value, &m.Value)
	default:
		var n json.Number
		if err := json.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("oil value must be a string or a number: %w", err)
		}
		m.Value = n.String()
	}
	return nil
}

// Formatted renders the value with its unit, e.g. "0.2 %".
func (m OilMeasurement) Formatted() string {
	return strings.TrimSpace(m.Value + " " + m.Unit)
}

// IssueRequest carries everything needed to issue one certification.
type IssueRequest struct {
	Company    *CompanyData
	ExpiryDate string
	Note       *string
	OilData    []OilMeasurement
	Document   *storage.Staged
}

// IssueResult identifies a committed certification and its notarization.
type IssueResult struct {
	CertificationID   uuid.UUID `json:"certificationId"`
	CertificationCode string    `json:"certificationCode"`
	CompanyID         uuid.UUID `json:"companyId"`
	NotarizationID    string    `json:"notarizationId"`
	TxDigest          string    `json:"transactionDigest"`
	DocumentDigest    string    `json:"documentHash"`
	ExpiryDate        time.Time `json:"expiryDate"`
}

// OilDataView pairs a measurement with its display string.
type OilDataView struct {
	FormattedValue string         `json:"formattedValue"`
	Data           OilMeasurement `json:"data"`
}

// CertificationSummary is a certification as listed to clients.
type CertificationSummary struct {
	CompanyID              uuid.UUID     `json:"companyId"`
	CompanyName            string        `json:"companyName"`
	OilData                []OilDataView `json:"oilData"`
	CertificationID        uuid.UUID     `json:"certificationId"`
	CertificationCode      string        `json:"certificationCode"`
	CertificationCreatedAt time.Time     `json:"certificationCreatedAt"`
	ExpiryDate             time.Time     `json:"expiryDate"`
	Note                   *string       `json:"note,omitempty"`
	CertificatePath        string        `json:"certificatePath,omitempty"`
	NotarizationID         string        `json:"notarizationId,omitempty"`
	TxDigest               string        `json:"transactionDigest,omitempty"`
	DocumentDigest         string        `json:"documentHash,omitempty"`
}

// LockRequest is the optional lock of a standalone notarization. UnlockAt is
// in Unix seconds.
type LockRequest struct {
	UnlockAt       int64 `json:"unlockAt,omitempty"`
	UntilDestroyed bool  `json:"untilDestroyed,omitempty"`
}

// NotarizeRequest creates a standalone notarization.
type NotarizeRequest struct {
	Content      string       `json:"content"`
	Metadata     string       `json:"metadata"`
	Description  string       `json:"description"`
	TransferLock *LockRequest `json:"transferLock,omitempty"`
	DeleteLock   *LockRequest `json:"deleteLock,omitempty"`
}

type UpdateStateRequest struct {
	Content  string `json:"content"`
	Metadata string `json:"metadata"`
}

type UpdateMetadataRequest struct {
	Metadata string `json:"metadata"`
}

type TransferRequest struct {
	RecipientAddress string `json:"recipientAddress"`
}

// HashResult is the digest of an uploaded file.
type HashResult struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
}

// Health extends the ledger probe with the database status.
type Health struct {
	Healthy   bool           `json:"success"`
	Status    string         `json:"status"`
	Ledger    *ledger.Health `json:"ledger"`
	Database  string         `json:"database"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
