package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gartstein/certoil/internal/certification/db/models"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Repository is the relational persistence gateway. The journal handle
// carries the saga table and is never part of an issuance transaction.
type Repository struct {
	db      *gorm.DB
	journal *gorm.DB
}

type Config struct {
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	DBName       string `yaml:"dbname"`
	SSLMode      string `yaml:"sslmode"`
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`

	// Logger receives gorm's warnings. NewLogger on stderr when nil.
	Logger gormlogger.Interface `yaml:"-"`
}

// NewLogger reports slow queries and errors to w. Lookups that find nothing
// are an expected outcome and are not logged.
func NewLogger(w gormlogger.Writer) gormlogger.Interface {
	return gormlogger.New(w, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

var migrations = []interface{}{
	&models.Company{},
	&models.Certification{},
	&models.Document{},
	&models.OilData{},
	&models.NotarizationLink{},
}

func NewRepository(cfg *Config) (*Repository, error) {
	gormCfg := &gorm.Config{TranslateError: true, Logger: cfg.Logger}
	if gormCfg.Logger == nil {
		gormCfg.Logger = NewLogger(log.New(os.Stderr, "\r\n", log.LstdFlags))
	}

	db, err := gorm.Open(dialector(cfg, cfg.Path), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	journal := db
	if cfg.Driver == DriverSQLite {
		// SQLite allows one writer, so the journal lives in its own file.
		journal, err = gorm.Open(dialector(cfg, journalPath(cfg.Path)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open saga journal: %w", err)
		}
	}

	if err := configurePool(db, cfg); err != nil {
		return nil, err
	}
	if journal != db {
		if err := configurePool(journal, cfg); err != nil {
			return nil, err
		}
	}
	if err := db.AutoMigrate(migrations...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := journal.AutoMigrate(&models.SagaEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate saga journal: %w", err)
	}

	return &Repository{db: db, journal: journal}, nil
}

func dialector(cfg *Config, path string) gorm.Dialector {
	switch cfg.Driver {
	case DriverMySQL:
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName))
	case DriverSQLite:
		if path == "" {
			path = ":memory:"
		}
		return sqlite.Open(path)
	default:
		return postgres.Open(fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode))
	}
}

func journalPath(path string) string {
	if path == "" || path == ":memory:" {
		return ":memory:"
	}
	return path + ".journal"
}

func configurePool(db *gorm.DB, cfg *Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	switch {
	case cfg.Driver == DriverSQLite:
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return nil
}

// UpsertCompany matches an existing company by email or certified email and
// updates it, or creates a new one. company.ID is set on return.
func (r *Repository) UpsertCompany(ctx context.Context, company *models.Company) error {
	var existing models.Company
	query := r.db.WithContext(ctx).Where("email = ?", company.Email)
	if company.CertifiedEmail != nil && *company.CertifiedEmail != "" {
		query = query.Or("certified_email = ?", *company.CertifiedEmail)
	}
	result := query.Limit(1).Find(&existing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if company.ID == uuid.Nil {
			company.ID = uuid.New()
		}
		return r.db.WithContext(ctx).Create(company).Error
	}

	company.ID = existing.ID
	company.CreatedAt = existing.CreatedAt
	return r.db.WithContext(ctx).Save(company).Error
}

func (r *Repository) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	var company models.Company
	result := r.db.WithContext(ctx).First(&company, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, e.ErrNotFound
		}
		return nil, result.Error
	}
	return &company, nil
}

func (r *Repository) CertificationCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Certification{}).
		Where("code = ?", code).
		Limit(1).
		Count(&count)
	return count > 0, result.Error
}

func (r *Repository) CreateCertification(ctx context.Context, cert *models.Certification) error {
	if cert.ID == uuid.Nil {
		cert.ID = uuid.New()
	}
	result := r.db.WithContext(ctx).Omit("Company", "Documents", "OilData", "Link").Create(cert)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return e.ErrDuplicateCode
		}
		return result.Error
	}
	return nil
}

func (r *Repository) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *Repository) CreateOilData(ctx context.Context, rows []models.OilData) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if rows[i].ID == uuid.Nil {
			rows[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *Repository) CreateNotarizationLink(ctx context.Context, link *models.NotarizationLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(link).Error
}

func (r *Repository) GetCertificationByCode(ctx context.Context, code string) (*models.Certification, error) {
	var cert models.Certification
	result := r.withAssociations(ctx).First(&cert, "code = ?", code)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, e.ErrNotFound
		}
		return nil, result.Error
	}
	return &cert, nil
}

func (r *Repository) ListCertifications(ctx context.Context, limit, offset int) ([]models.Certification, error) {
	var certs []models.Certification
	query := r.withAssociations(ctx).Order("created_at desc")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Find(&certs).Error; err != nil {
		return nil, err
	}
	return certs, nil
}

func (r *Repository) GetLinkByNotarizationID(ctx context.Context, notarizationID string) (*models.NotarizationLink, error) {
	var link models.NotarizationLink
	result := r.db.WithContext(ctx).First(&link, "notarization_id = ?", notarizationID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, e.ErrNotFound
		}
		return nil, result.Error
	}
	return &link, nil
}

// AnnotateLink replaces the note of the link pointing at notarizationID.
func (r *Repository) AnnotateLink(ctx context.Context, notarizationID, note string) error {
	result := r.db.WithContext(ctx).Model(&models.NotarizationLink{}).
		Where("notarization_id = ?", notarizationID).
		Update("note", note)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return e.ErrNotFound
	}
	return nil
}

func (r *Repository) withAssociations(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Company").
		Preload("Documents").
		Preload("OilData").
		Preload("Link")
}

func (r *Repository) WithTransaction(ctx context.Context, fn func(repo *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx, journal: r.journal})
	})
}

func (r *Repository) Exec(ctx context.Context, query string, params ...interface{}) error {
	result := r.db.WithContext(ctx).Exec(query, params...)
	if result.Error != nil {
		return result.Error
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) Close() error {
	db, err := r.db.DB()
	if err != nil {
		return err
	}
	if r.journal != nil && r.journal != r.db {
		if jdb, err := r.journal.DB(); err == nil {
			_ = jdb.Close()
		}
	}
	return db.Close()
}
