package controller

import (
	"context"
	"time"

	"github.com/gartstein/certoil/internal/certification/codegen"
	dbmodels "github.com/gartstein/certoil/internal/certification/db/models"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/events"
	"github.com/google/uuid"
)

type storeRows struct {
	companies []dbmodels.Company
	certs     []dbmodels.Certification
	docs      []dbmodels.Document
	oil       []dbmodels.OilData
	links     []dbmodels.NotarizationLink
}

// MockStore keeps rows in memory. Writes made through the tx handed to
// WithTransaction are only merged when fn succeeds and commit is not failed.
type MockStore struct {
	parent *MockStore
	rows   storeRows

	createLinkErr error
	commitErr     error
	pingErr       error
	upsertErr     error
	txCount       int
}

func (m *MockStore) root() *MockStore {
	if m.parent != nil {
		return m.parent
	}
	return m
}

func (m *MockStore) UpsertCompany(_ context.Context, c *dbmodels.Company) error {
	if err := m.root().upsertErr; err != nil {
		return err
	}
	for _, rows := range []storeRows{m.rows, m.root().rows} {
		for _, existing := range rows.companies {
			if existing.Email == c.Email {
				c.ID = existing.ID
				m.rows.companies = mergeCompany(m.rows.companies, *c)
				return nil
			}
		}
	}
	c.ID = uuid.New()
	m.rows.companies = append(m.rows.companies, *c)
	return nil
}

func mergeCompany(companies []dbmodels.Company, c dbmodels.Company) []dbmodels.Company {
	for i := range companies {
		if companies[i].ID == c.ID {
			companies[i] = c
			return companies
		}
	}
	return append(companies, c)
}

func (m *MockStore) CertificationCodeExists(_ context.Context, code string) (bool, error) {
	for _, rows := range []storeRows{m.root().rows, m.rows} {
		for _, c := range rows.certs {
			if c.Code == code {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MockStore) CreateCertification(_ context.Context, cert *dbmodels.Certification) error {
	m.rows.certs = append(m.rows.certs, *cert)
	return nil
}

func (m *MockStore) CreateDocument(_ context.Context, doc *dbmodels.Document) error {
	m.rows.docs = append(m.rows.docs, *doc)
	return nil
}

func (m *MockStore) CreateOilData(_ context.Context, rows []dbmodels.OilData) error {
	m.rows.oil = append(m.rows.oil, rows...)
	return nil
}

func (m *MockStore) CreateNotarizationLink(_ context.Context, link *dbmodels.NotarizationLink) error {
	if err := m.root().createLinkErr; err != nil {
		return err
	}
	m.rows.links = append(m.rows.links, *link)
	return nil
}

func (m *MockStore) assemble(c dbmodels.Certification) dbmodels.Certification {
	r := m.root().rows
	for _, company := range r.companies {
		if company.ID == c.CompanyID {
			c.Company = company
		}
	}
	for _, d := range r.docs {
		if d.CertificationID == c.ID {
			c.Documents = append(c.Documents, d)
		}
	}
	for _, o := range r.oil {
		if o.CertificationID == c.ID {
			c.OilData = append(c.OilData, o)
		}
	}
	for i := range r.links {
		if r.links[i].CertificationID == c.ID {
			link := r.links[i]
			c.Link = &link
		}
	}
	return c
}

func (m *MockStore) GetCertificationByCode(_ context.Context, code string) (*dbmodels.Certification, error) {
	for _, c := range m.root().rows.certs {
		if c.Code == code {
			cert := m.assemble(c)
			return &cert, nil
		}
	}
	return nil, e.ErrNotFound
}

func (m *MockStore) ListCertifications(_ context.Context, _, _ int) ([]dbmodels.Certification, error) {
	var out []dbmodels.Certification
	for _, c := range m.root().rows.certs {
		out = append(out, m.assemble(c))
	}
	return out, nil
}

func (m *MockStore) AnnotateLink(_ context.Context, notarizationID, note string) error {
	r := m.root()
	for i := range r.rows.links {
		if r.rows.links[i].NotarizationID == notarizationID {
			r.rows.links[i].Note = &note
			return nil
		}
	}
	return e.ErrNotFound
}

func (m *MockStore) Ping(context.Context) error {
	return m.root().pingErr
}

func (m *MockStore) WithTransaction(_ context.Context, fn func(tx Store) error) error {
	m.txCount++
	tx := &MockStore{parent: m}
	if err := fn(tx); err != nil {
		return err
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	for _, c := range tx.rows.companies {
		m.rows.companies = mergeCompany(m.rows.companies, c)
	}
	m.rows.certs = append(m.rows.certs, tx.rows.certs...)
	m.rows.docs = append(m.rows.docs, tx.rows.docs...)
	m.rows.oil = append(m.rows.oil, tx.rows.oil...)
	m.rows.links = append(m.rows.links, tx.rows.links...)
	return nil
}

// MockJournal records every saga transition.
type MockJournal struct {
	sagas     map[uuid.UUID]dbmodels.SagaEntry
	order     []uuid.UUID
	history   []dbmodels.SagaState
	createErr error
	saveErr   error
}

func newMockJournal() *MockJournal {
	return &MockJournal{sagas: map[uuid.UUID]dbmodels.SagaEntry{}}
}

func (j *MockJournal) CreateSaga(_ context.Context, saga *dbmodels.SagaEntry) error {
	if j.createErr != nil {
		return j.createErr
	}
	saga.ID = uuid.New()
	j.sagas[saga.ID] = *saga
	j.order = append(j.order, saga.ID)
	j.history = append(j.history, saga.State)
	return nil
}

func (j *MockJournal) SaveSaga(_ context.Context, saga *dbmodels.SagaEntry) error {
	if j.saveErr != nil {
		return j.saveErr
	}
	j.sagas[saga.ID] = *saga
	j.history = append(j.history, saga.State)
	return nil
}

func (j *MockJournal) ListSagas(_ context.Context, states ...dbmodels.SagaState) ([]dbmodels.SagaEntry, error) {
	var out []dbmodels.SagaEntry
	for _, id := range j.order {
		saga := j.sagas[id]
		for _, s := range states {
			if saga.State == s {
				out = append(out, saga)
			}
		}
	}
	return out, nil
}

func (j *MockJournal) ResolveSaga(_ context.Context, id uuid.UUID, note string) (*dbmodels.SagaEntry, error) {
	saga, ok := j.sagas[id]
	if !ok {
		return nil, e.ErrNotFound
	}
	if !saga.State.Unsettled() {
		return nil, e.ErrInvalidInput
	}
	saga.State = dbmodels.SagaResolved
	saga.ResolutionNote = note
	j.sagas[id] = saga
	return &saga, nil
}

func (j *MockJournal) last() dbmodels.SagaEntry {
	return j.sagas[j.order[len(j.order)-1]]
}

// MockProducer is a test double for the Kafka producer.
type MockProducer struct {
	producedEvents []events.Event
}

func (m *MockProducer) Produce(event events.Event) {
	m.producedEvents = append(m.producedEvents, event)
}

func (m *MockProducer) types() []events.EventType {
	out := make([]events.EventType, 0, len(m.producedEvents))
	for _, ev := range m.producedEvents {
		out = append(out, ev.Type)
	}
	return out
}

type MockRecorder struct {
	issuances     []string
	verifications []string
}

func (m *MockRecorder) ObserveIssuance(outcome string, _ time.Duration) {
	m.issuances = append(m.issuances, outcome)
}

func (m *MockRecorder) ObserveVerification(result string) {
	m.verifications = append(m.verifications, result)
}

type exhaustedGenerator struct{}

func (exhaustedGenerator) Generate(context.Context, codegen.ExistsFunc) (string, error) {
	return "", e.ErrCodeExhausted
}
