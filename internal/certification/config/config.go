// Package config loads the certoil service configuration from a YAML file,
// environment overrides and, for the wallet key, an optional Vault secret.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gartstein/certoil/internal/certification/db"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	vault "github.com/hashicorp/vault/api"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "internal/certification/config/config.yaml"

const defaultVaultKeyField = "private_key"

// Config struct for YAML configuration. Every field can be overridden by the
// environment variable named in its envconfig tag.
type Config struct {
	GRPCPort int `yaml:"GRPC_PORT" envconfig:"GRPC_PORT" json:"GRPC_PORT"`
	HTTPPort int `yaml:"HTTP_PORT" envconfig:"PORT" json:"PORT"`

	DBDriver       string `yaml:"DB_DRIVER" envconfig:"DB_DRIVER" json:"DB_DRIVER"`
	DBHost         string `yaml:"DB_HOST" envconfig:"DB_HOST" json:"DB_HOST"`
	DBPort         int    `yaml:"DB_PORT" envconfig:"DB_PORT" json:"DB_PORT"`
	DBUser         string `yaml:"DB_USER" envconfig:"DB_USER" json:"DB_USER"`
	DBPassword     string `yaml:"DB_PASSWORD" envconfig:"DB_PASSWORD" json:"DB_PASSWORD"`
	DBName         string `yaml:"DB_NAME" envconfig:"DB_NAME" json:"DB_NAME"`
	DBSSLMode      string `yaml:"DB_SSLMODE" envconfig:"DB_SSLMODE" json:"DB_SSLMODE"`
	DBPath         string `yaml:"DB_PATH" envconfig:"DB_PATH" json:"DB_PATH"`
	DBMaxOpenConns int    `yaml:"DB_MAX_OPEN_CONNS" envconfig:"DB_MAX_OPEN_CONNS" json:"DB_MAX_OPEN_CONNS"`

	KafkaBrokers  []string `yaml:"KAFKA_BROKERS" envconfig:"KAFKA_BROKERS" json:"KAFKA_BROKERS"`
	Topic         string   `yaml:"TOPIC" envconfig:"TOPIC" json:"TOPIC"`
	ConsumerGroup string   `yaml:"CONSUMER_GROUP" envconfig:"CONSUMER_GROUP" json:"CONSUMER_GROUP"`

	JWTSecret string `yaml:"JWT_SECRET" envconfig:"JWT_SECRET" json:"JWT_SECRET"`

	PackageID  string `yaml:"IOTA_NOTARIZATION_PKG_ID" envconfig:"IOTA_NOTARIZATION_PKG_ID" json:"IOTA_NOTARIZATION_PKG_ID"`
	NetworkURL string `yaml:"NETWORK_URL" envconfig:"NETWORK_URL" json:"NETWORK_URL"`
	Network    string `yaml:"IOTA_NET" envconfig:"IOTA_NET" json:"IOTA_NET"`
	PrivateKey string `yaml:"PRIVATE_KEY" envconfig:"PRIVATE_KEY" json:"PRIVATE_KEY"`

	UploadDir      string        `yaml:"UPLOAD_DOC_PATH" envconfig:"UPLOAD_DOC_PATH" json:"UPLOAD_DOC_PATH"`
	MaxUploadSize  int64         `yaml:"MAX_UPLOAD_SIZE" envconfig:"MAX_UPLOAD_SIZE" json:"MAX_UPLOAD_SIZE"`
	RequestTimeout time.Duration `yaml:"REQUEST_TIMEOUT" envconfig:"REQUEST_TIMEOUT" json:"REQUEST_TIMEOUT"`

	VaultMountPath  string `yaml:"VAULT_MOUNT_PATH" envconfig:"VAULT_MOUNT_PATH" json:"VAULT_MOUNT_PATH"`
	VaultSecretPath string `yaml:"VAULT_SECRET_PATH" envconfig:"VAULT_SECRET_PATH" json:"VAULT_SECRET_PATH"`
	VaultKeyField   string `yaml:"VAULT_PRIVATE_KEY_FIELD" envconfig:"VAULT_PRIVATE_KEY_FIELD" json:"VAULT_PRIVATE_KEY_FIELD"`
}

// Load reads the YAML file at path, if any, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GRPCPort == 0 {
		c.GRPCPort = 50051
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 3000
	}
	if c.DBDriver == "" {
		c.DBDriver = db.DriverPostgres
	}
	if c.DBSSLMode == "" {
		c.DBSSLMode = "disable"
	}
	if c.Topic == "" {
		c.Topic = "certification_events"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "certoil-reconcile"
	}
	if c.Network == "" {
		c.Network = "devnet"
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.VaultKeyField == "" {
		c.VaultKeyField = defaultVaultKeyField
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	remote := c.NetworkURL != ""
	sqlite := c.DBDriver == db.DriverSQLite
	return validation.ValidateStruct(c,
		validation.Field(&c.GRPCPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.HTTPPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.DBDriver, validation.Required, validation.In(db.DriverPostgres, db.DriverMySQL, db.DriverSQLite)),
		validation.Field(&c.DBHost, validation.When(!sqlite, validation.Required)),
		validation.Field(&c.DBName, validation.When(!sqlite, validation.Required)),
		validation.Field(&c.JWTSecret, validation.Required),
		validation.Field(&c.UploadDir, validation.Required),
		validation.Field(&c.Topic, validation.When(len(c.KafkaBrokers) > 0, validation.Required)),
		validation.Field(&c.KafkaBrokers, validation.Each(validation.Required)),
		validation.Field(&c.NetworkURL, is.URL),
		validation.Field(&c.PackageID, validation.When(remote, validation.Required)),
		validation.Field(&c.PrivateKey, validation.When(remote, validation.Required)),
		validation.Field(&c.MaxUploadSize, validation.Min(int64(0))),
		validation.Field(&c.VaultSecretPath, validation.When(c.VaultMountPath != "",
			validation.Required.Error("must be set together with VAULT_MOUNT_PATH"))),
		validation.Field(&c.VaultMountPath, validation.When(c.VaultSecretPath != "",
			validation.Required.Error("must be set together with VAULT_SECRET_PATH"))),
	)
}

// Database returns the relational store settings.
func (c *Config) Database() *db.Config {
	return &db.Config{
		Driver:       c.DBDriver,
		Host:         c.DBHost,
		Port:         c.DBPort,
		User:         c.DBUser,
		Password:     c.DBPassword,
		DBName:       c.DBName,
		SSLMode:      c.DBSSLMode,
		Path:         c.DBPath,
		MaxOpenConns: c.DBMaxOpenConns,
	}
}

// UsesVault reports whether the wallet key must be read from Vault.
func (c *Config) UsesVault() bool {
	return c.VaultMountPath != "" && c.VaultSecretPath != ""
}

// SecretReader reads a KVv2 secret.
type SecretReader interface {
	Get(ctx context.Context, secretPath string) (*vault.KVSecret, error)
}

// NewVaultReader builds a KVv2 reader for mountPath from the standard VAULT_*
// environment (VAULT_ADDR, VAULT_TOKEN).
func NewVaultReader(mountPath string) (SecretReader, error) {
	client, err := vault.NewClient(vault.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("unable to initialize Vault client: %w", err)
	}
	return client.KVv2(mountPath), nil
}

// LoadPrivateKey replaces PrivateKey with the secret stored in Vault.
func (c *Config) LoadPrivateKey(ctx context.Context, reader SecretReader) error {
	secret, err := reader.Get(ctx, c.VaultSecretPath)
	if err != nil {
		return fmt.Errorf("failed to get secret data: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s is empty", c.VaultSecretPath)
	}
	raw, ok := secret.Data[c.VaultKeyField]
	if !ok {
		return fmt.Errorf("vault secret %s has no %q field", c.VaultSecretPath, c.VaultKeyField)
	}
	key, ok := raw.(string)
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("vault secret %s: %q must be a non-empty string", c.VaultSecretPath, c.VaultKeyField)
	}
	c.PrivateKey = strings.TrimSpace(key)
	return nil
}
