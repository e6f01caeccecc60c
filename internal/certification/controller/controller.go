// Package controller implements the certification orchestrator: it issues
// certifications across the relational store and the ledger, verifies
// presented documents and exposes the lock-aware notarization operations.
package controller

import (
	"context"
	"time"

	"github.com/gartstein/certoil/internal/certification/codegen"
	dbmodels "github.com/gartstein/certoil/internal/certification/db/models"
	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/gartstein/certoil/internal/certification/verifier"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the relational persistence gateway. Inside WithTransaction every
// write goes through tx and is rolled back if fn returns an error.
type Store interface {
	UpsertCompany(ctx context.Context, company *dbmodels.Company) error
	CertificationCodeExists(ctx context.Context, code string) (bool, error)
	CreateCertification(ctx context.Context, cert *dbmodels.Certification) error
	CreateDocument(ctx context.Context, doc *dbmodels.Document) error
	CreateOilData(ctx context.Context, rows []dbmodels.OilData) error
	CreateNotarizationLink(ctx context.Context, link *dbmodels.NotarizationLink) error
	GetCertificationByCode(ctx context.Context, code string) (*dbmodels.Certification, error)
	ListCertifications(ctx context.Context, limit, offset int) ([]dbmodels.Certification, error)
	AnnotateLink(ctx context.Context, notarizationID, note string) error
	Ping(ctx context.Context) error
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}

// Journal records issuance sagas outside the issuance transaction.
type Journal interface {
	CreateSaga(ctx context.Context, saga *dbmodels.SagaEntry) error
	SaveSaga(ctx context.Context, saga *dbmodels.SagaEntry) error
	ListSagas(ctx context.Context, states ...dbmodels.SagaState) ([]dbmodels.SagaEntry, error)
	ResolveSaga(ctx context.Context, id uuid.UUID, note string) (*dbmodels.SagaEntry, error)
}

// Ledger is the lock-aware notarization client.
type Ledger interface {
	Create(ctx context.Context, req ledger.CreateRequest) (ledger.Receipt, error)
	ReadState(ctx context.Context, id string) (ledger.State, error)
	Details(ctx context.Context, id string) (*ledger.Details, error)
	LockMetadata(ctx context.Context, id string) (*ledger.LockMetadata, error)
	UpdateState(ctx context.Context, id, content, metadata string) (ledger.Receipt, error)
	UpdateMetadata(ctx context.Context, id, metadata string) (ledger.Receipt, error)
	Transfer(ctx context.Context, id, recipient string) (ledger.Receipt, error)
	Destroy(ctx context.Context, id string) (ledger.Receipt, error)
	WalletInfo(ctx context.Context) (*ledger.WalletInfo, error)
	HealthCheck(ctx context.Context) *ledger.Health
}

// DocumentStore keeps certified documents.
type DocumentStore interface {
	Save(companyID, certificationID uuid.UUID, staged *storage.Staged) (string, error)
	Remove(path string) error
}

type CodeGenerator interface {
	Generate(ctx context.Context, exists codegen.ExistsFunc) (string, error)
}

type EventProducer interface {
	Produce(event events.Event)
}

// Recorder receives issuance and verification outcomes.
type Recorder interface {
	ObserveIssuance(outcome string, elapsed time.Duration)
	ObserveVerification(result string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveIssuance(string, time.Duration) {}
func (nopRecorder) ObserveVerification(string)            {}

// CertificationService orchestrates issuance and verification.
type CertificationService struct {
	store    Store
	journal  Journal
	ledger   Ledger
	docs     DocumentStore
	codes    CodeGenerator
	verifier *verifier.Verifier
	producer EventProducer
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*CertificationService)

func WithClock(now func() time.Time) Option {
	return func(s *CertificationService) { s.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(s *CertificationService) { s.recorder = r }
}

func WithCodeGenerator(g CodeGenerator) Option {
	return func(s *CertificationService) { s.codes = g }
}

// NewCertificationService constructs a CertificationService.
func NewCertificationService(
	store Store,
	journal Journal,
	ledgerClient Ledger,
	docs DocumentStore,
	producer EventProducer,
	logger *zap.Logger,
	opts ...Option,
) *CertificationService {
	s := &CertificationService{
		store:    store,
		journal:  journal,
		ledger:   ledgerClient,
		docs:     docs,
		codes:    codegen.NewGenerator(logger),
		verifier: verifier.New(ledgerClient, logger),
		producer: producer,
		recorder: nopRecorder{},
		logger:   logger.Named("certification_service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CertificationService) publish(event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.producer.Produce(event)
}
