package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gartstein/certoil/internal/certification/controller"
	"github.com/gartstein/certoil/internal/certification/db"
	dbmodels "github.com/gartstein/certoil/internal/certification/db/models"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const (
	kafkaBroker = "localhost:9092"
	topic       = "certification_events_it"
)

type IntegrationTestSuite struct {
	suite.Suite
	dbRepo      *db.Repository
	kafkaReader *kafka.Reader
	producer    *events.Producer
	files       *storage.FileStore
	logger      *zap.Logger
	testTimeout time.Duration
}

func TestIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests")
	}
	suite.Run(t, new(IntegrationTestSuite))
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.logger = zap.NewNop()
	s.testTimeout = 20 * time.Second

	var err error
	s.dbRepo, err = initializeDBWithRetry()
	s.Require().NoError(err, "database initialization failed")

	s.producer, s.kafkaReader, err = initializeKafkaWithRetry()
	s.Require().NoError(err, "Kafka initialization failed")

	s.files, err = storage.NewFileStore(s.T().TempDir(), s.logger)
	s.Require().NoError(err)
}

func initializeDBWithRetry() (*db.Repository, error) {
	cfg := &db.Config{
		Driver:   db.DriverPostgres,
		Host:     "localhost",
		Port:     5432,
		User:     "test",
		Password: "test",
		DBName:   "test",
		SSLMode:  "disable",
	}

	var repo *db.Repository
	err := backoff.Retry(func() error {
		var err error
		repo, err = db.NewRepository(cfg)
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
	return repo, err
}

func initializeKafkaWithRetry() (*events.Producer, *kafka.Reader, error) {
	brokers := []string{kafkaBroker}
	err := backoff.Retry(func() error {
		return events.EnsureTopic(brokers, topic, zap.NewNop())
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
	if err != nil {
		return nil, nil, fmt.Errorf("Kafka topic creation failed: %w", err)
	}

	// Verify Kafka readiness using metadata instead of blocking on ReadMessage
	err = backoff.Retry(func() error {
		conn, err := kafka.Dial("tcp", kafkaBroker)
		if err != nil {
			return err
		}
		defer conn.Close()
		partitions, err := conn.ReadPartitions(topic)
		if err != nil || len(partitions) == 0 {
			return fmt.Errorf("topic %s not found", topic)
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
	if err != nil {
		return nil, nil, fmt.Errorf("Kafka topic check failed: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return events.NewProducer(brokers, topic, zap.NewNop()), reader, nil
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.producer != nil {
		s.producer.Close()
	}
	if s.kafkaReader != nil {
		_ = s.kafkaReader.Close()
	}
	if s.dbRepo != nil {
		_ = s.dbRepo.Close()
	}
}

func (s *IntegrationTestSuite) SetupTest() {
	ctx, cancel := context.WithTimeout(context.Background(), s.testTimeout)
	defer cancel()

	err := s.dbRepo.Exec(ctx,
		"TRUNCATE TABLE iota_certifications, oil_data, documents, certifications, companies, certification_sagas CASCADE")
	s.Require().NoError(err, "failed to clean database")
}

func (s *IntegrationTestSuite) newService() (*controller.CertificationService, *ledger.MemoryBackend) {
	wallet, err := ledger.NewEphemeralWallet()
	s.Require().NoError(err)
	backend := ledger.NewMemoryBackend(nil)
	client := ledger.NewClient(ledger.StaticConnector(backend), wallet, ledger.Config{Network: "devnet", PackageID: "0xpkg"}, s.logger)
	svc := controller.NewCertificationService(controller.NewStore(s.dbRepo), s.dbRepo, client, s.files, s.producer, s.logger)
	return svc, backend
}

func (s *IntegrationTestSuite) issueRequest(document []byte) *models.IssueRequest {
	staged, err := s.files.Stage(bytes.NewReader(document), "report.pdf")
	s.Require().NoError(err)
	return &models.IssueRequest{
		Company: &models.CompanyData{
			CompanyName: "Frantoio Rossi",
			Address:     "Via Roma 1",
			ZipCode:     "06034",
			City:        "Foligno",
			Province:    "PG",
			VatNumber:   "01234567890",
			TaxCode:     "RSSMRA80A01D653X",
			Email:       "info@frantoiorossi.it",
		},
		ExpiryDate: time.Now().AddDate(1, 0, 0).UTC().Format(time.RFC3339),
		OilData:    []models.OilMeasurement{{Name: "acidity", Value: "0.2", Unit: "%"}},
		Document:   staged,
	}
}

func (s *IntegrationTestSuite) TestIssueAndVerify() {
	ctx, cancel := context.WithTimeout(context.Background(), s.testTimeout)
	defer cancel()

	svc, _ := s.newService()
	document := []byte("%PDF integration lab report")

	res, err := svc.Issue(ctx, s.issueRequest(document))
	s.Require().NoError(err)

	cert, err := svc.GetCertification(ctx, res.CertificationCode)
	s.Require().NoError(err)
	assert.Equal(s.T(), "Frantoio Rossi", cert.CompanyName)
	assert.Equal(s.T(), res.NotarizationID, cert.NotarizationID)
	require.Len(s.T(), cert.OilData, 1)
	assert.Equal(s.T(), "0.2 %", cert.OilData[0].FormattedValue)

	stored, err := os.ReadFile(cert.CertificatePath)
	s.Require().NoError(err)
	assert.Equal(s.T(), document, stored)

	staged, err := s.files.Stage(bytes.NewReader(document), "copy.pdf")
	s.Require().NoError(err)
	result, err := svc.Verify(ctx, res.NotarizationID, staged)
	s.Require().NoError(err)
	assert.True(s.T(), result.Verified)

	pending, err := svc.PendingReconciliations(ctx)
	s.Require().NoError(err)
	assert.Empty(s.T(), pending)

	s.verifyKafkaEvent(ctx, events.CertificationIssued, res.CertificationCode)
}

func (s *IntegrationTestSuite) TestIssueRollsBackWhenLedgerFails() {
	ctx, cancel := context.WithTimeout(context.Background(), s.testTimeout)
	defer cancel()

	svc, backend := s.newService()
	backend.FailNext(fmt.Errorf("%w: insufficient gas", e.ErrRejected))

	_, err := svc.Issue(ctx, s.issueRequest([]byte("%PDF failing report")))
	s.Require().ErrorIs(err, e.ErrRejected)

	certs, err := svc.ListCertifications(ctx, 10, 0)
	s.Require().NoError(err)
	assert.Empty(s.T(), certs)

	aborted, err := s.dbRepo.ListSagas(ctx, dbmodels.SagaAborted)
	s.Require().NoError(err)
	s.Require().Len(aborted, 1)
	s.Require().NotEqual(uuid.Nil, aborted[0].CompanyID)
	_, err = s.dbRepo.GetCompany(ctx, aborted[0].CompanyID)
	assert.ErrorIs(s.T(), err, e.ErrNotFound)
}

func (s *IntegrationTestSuite) TestLockedRecordIsImmutable() {
	ctx, cancel := context.WithTimeout(context.Background(), s.testTimeout)
	defer cancel()

	svc, _ := s.newService()
	res, err := svc.Issue(ctx, s.issueRequest([]byte("%PDF locked report")))
	s.Require().NoError(err)

	_, err = svc.UpdateMetadata(ctx, res.NotarizationID, models.UpdateMetadataRequest{Metadata: "tampered"})
	assert.ErrorIs(s.T(), err, e.ErrImmutableRecord)

	_, err = svc.Destroy(ctx, res.NotarizationID)
	assert.ErrorIs(s.T(), err, e.ErrLocked)
}

func (s *IntegrationTestSuite) verifyKafkaEvent(ctx context.Context, eventType events.EventType, key string) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	for attempts := 0; attempts < 200; attempts++ {
		msg, err := s.kafkaReader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.T().Logf("Kafka read attempt %d failed: %v", attempts, err)
			time.Sleep(time.Second)
			continue
		}
		if string(msg.Key) != key {
			continue
		}
		var event events.Event
		s.Require().NoError(json.Unmarshal(msg.Value, &event))
		if event.Type != eventType {
			continue
		}
		assert.Equal(s.T(), key, event.CertificationCode)
		return
	}
	s.T().Fatalf("no %s event received for %s", eventType, key)
}
