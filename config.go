package main

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/oceanprotocol/uploader-backend/internal/db"
)

const (
	defaultPort           = 8081
	defaultLogLevel       = "info"
	defaultDBDriver       = db.DriverSQLite
	defaultDBURL          = "uploader.db"
	defaultStagingType    = stagingIPFS
	defaultIPFSAddURL     = "http://127.0.0.1:5001/api/v0/add"
	defaultIPFSGateway    = "https://ipfs.io"
	defaultStagingTimeout = time.Minute
	defaultBackendTimeout = 5 * time.Second
	defaultQuoteTTL       = 30 * time.Minute
	defaultBackendTTL     = 10 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultMaxUploadSize  = "100MB"
)

const (
	stagingIPFS  = "ipfs"
	stagingS3    = "s3"
	stagingLocal = "local"
)

type Config struct {
	Port     int    `yaml:"port" envconfig:"PORT"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	DBDriver string `yaml:"db_driver" envconfig:"DB_DRIVER"`
	DBURL    string `yaml:"db_url" envconfig:"DB_URL"`

	// Staging settings
	StagingType     string        `yaml:"staging_type" envconfig:"STAGING_TYPE"`
	IPFSAddURL      string        `yaml:"ipfs_add_url" envconfig:"IPFS_ADD_URL"`
	IPFSGateway     string        `yaml:"ipfs_gateway" envconfig:"IPFS_GATEWAY"`
	S3Bucket        string        `yaml:"s3_bucket" envconfig:"S3_BUCKET"`
	S3PublicBase    string        `yaml:"s3_public_base" envconfig:"S3_PUBLIC_BASE"`
	LocalDir        string        `yaml:"local_dir" envconfig:"LOCAL_DIR"`
	LocalPublicBase string        `yaml:"local_public_base" envconfig:"LOCAL_PUBLIC_BASE"`
	StagingTimeout  time.Duration `yaml:"staging_timeout" envconfig:"STAGING_TIMEOUT"`

	BackendTimeout time.Duration `yaml:"backend_timeout" envconfig:"BACKEND_TIMEOUT"`
	QuoteTTL       time.Duration `yaml:"quote_ttl" envconfig:"QUOTE_TTL"`
	// A negative BackendTTL disables the sweeper.
	BackendTTL    time.Duration `yaml:"backend_ttl" envconfig:"BACKEND_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`

	MaxUploadSize  string   `yaml:"max_upload_size" envconfig:"MAX_UPLOAD_SIZE"`
	AllowedSigners []string `yaml:"allowed_signers" envconfig:"ALLOWED_SIGNERS"`

	maxUploadBytes int64
}

// Load Config from a yaml file at path.
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return err
	}

	c.applyDefaults()
	return c.validate()
}

// Load Config from the environment.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process("", c); err != nil {
		return err
	}

	c.applyDefaults()
	return c.validate()
}

// MaxUploadBytes is the parsed MaxUploadSize.
func (c *Config) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.DBDriver == "" {
		c.DBDriver = defaultDBDriver
	}
	if c.DBURL == "" && c.DBDriver == db.DriverSQLite {
		c.DBURL = defaultDBURL
	}
	if c.StagingType == "" {
		c.StagingType = defaultStagingType
	}
	if c.IPFSAddURL == "" {
		c.IPFSAddURL = defaultIPFSAddURL
	}
	if c.IPFSGateway == "" {
		c.IPFSGateway = defaultIPFSGateway
	}
	if c.StagingTimeout == 0 {
		c.StagingTimeout = defaultStagingTimeout
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = defaultBackendTimeout
	}
	if c.QuoteTTL == 0 {
		c.QuoteTTL = defaultQuoteTTL
	}
	if c.BackendTTL == 0 {
		c.BackendTTL = defaultBackendTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxUploadSize == "" {
		c.MaxUploadSize = defaultMaxUploadSize
	}
	if c.StagingType == stagingLocal && c.LocalPublicBase == "" {
		c.LocalPublicBase = fmt.Sprintf("http://localhost:%d/staged", c.Port)
	}
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return fmt.Errorf("unknown db_driver %q. must be %q or %q", c.DBDriver, db.DriverSQLite, db.DriverPostgres)
	}
	if c.DBURL == "" {
		return fmt.Errorf("db_url is required")
	}

	switch c.StagingType {
	case stagingIPFS:
	case stagingS3:
		if c.S3Bucket == "" || c.S3PublicBase == "" {
			return fmt.Errorf("s3 staging requires s3_bucket and s3_public_base")
		}
	case stagingLocal:
		if c.LocalDir == "" {
			return fmt.Errorf("local staging requires local_dir")
		}
	default:
		return fmt.Errorf("unknown staging_type %q. must be %q, %q or %q", c.StagingType, stagingIPFS, stagingS3, stagingLocal)
	}

	size, err := units.RAMInBytes(c.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("max_upload_size: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("max_upload_size must be positive, got %q", c.MaxUploadSize)
	}
	c.maxUploadBytes = size
	return nil
}
