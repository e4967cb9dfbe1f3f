// Package config provides configuration loading and management for the collection registry server.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/collection-registry/internal/telemetry"
)

// StorageType selects where the catalog and sync state are kept
type StorageType string

const (
	// StorageTypeFile keeps the catalog in memory and sync state in files under the data directory
	StorageTypeFile StorageType = "file"

	// StorageTypeDatabase keeps the catalog and sync state in PostgreSQL
	StorageTypeDatabase StorageType = "database"
)

const (
	// DefaultJobTimeout is used when tasks.jobTimeout is not set
	DefaultJobTimeout = 30 * time.Minute

	// DefaultLeaseTTL is used when tasks.leaseTTL is not set
	DefaultLeaseTTL = 5 * time.Minute

	// EnvPrefix prefixes every environment variable read by the server
	EnvPrefix = "COLLREG"

	// DatabasePasswordEnv is read when no password file is configured
	DatabasePasswordEnv = EnvPrefix + "_DATABASE_PASSWORD"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Storage   *StorageConfig    `yaml:"storage,omitempty"`
	Database  *DatabaseConfig   `yaml:"database,omitempty"`
	Tasks     *TasksConfig      `yaml:"tasks,omitempty"`
	Intake    *IntakeConfig     `yaml:"intake,omitempty"`
	Remotes   []RemoteConfig    `yaml:"remotes,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// StorageConfig defines where data is kept
type StorageConfig struct {
	// Type is either "file" or "database". When empty it is inferred from
	// the presence of the database section.
	Type string `yaml:"type,omitempty"`

	// DataDir holds artifact blobs and, for file storage, sync state.
	// Defaults to $XDG_DATA_HOME/collection-registry.
	DataDir string `yaml:"dataDir,omitempty"`
}

// TasksConfig defines the job dispatcher settings
type TasksConfig struct {
	// Workers is the size of the worker pool. Defaults to the number of CPUs.
	Workers int `yaml:"workers,omitempty"`

	// JobTimeout bounds the run time of a single job (e.g., "30m")
	JobTimeout string `yaml:"jobTimeout,omitempty"`

	// LeaseTTL is how long a running job may go without a heartbeat (e.g., "5m").
	// "0" disables lease expiry.
	LeaseTTL string `yaml:"leaseTTL,omitempty"`
}

// IntakeConfig defines artifact upload settings
type IntakeConfig struct {
	// MaxSize is the largest accepted artifact in bytes. Zero means no limit.
	MaxSize int64 `yaml:"maxSize,omitempty"`
}

// RemoteConfig defines an upstream registry that collections are synced from
type RemoteConfig struct {
	// Name is the identifier for this remote
	Name string `yaml:"name"`

	// URL is the base URL of the upstream registry
	URL string `yaml:"url"`

	// Target is the local repository that synced collections are imported into
	Target string `yaml:"target"`

	// Requirements is an inline requirements document
	Requirements string `yaml:"requirements,omitempty"`

	// RequirementsFile is the path to a requirements document (mutually exclusive with Requirements)
	RequirementsFile string `yaml:"requirementsFile,omitempty"`

	// Optimize skips syncs whose upstream content did not change. Defaults to true.
	Optimize *bool `yaml:"optimize,omitempty"`

	// RefilterNamespace re-applies the namespace filter to upstream pages. Defaults to true.
	RefilterNamespace *bool `yaml:"refilterNamespace,omitempty"`

	// SyncPolicy enables periodic syncs when set
	SyncPolicy *SyncPolicyConfig `yaml:"syncPolicy,omitempty"`
}

// SyncPolicyConfig defines synchronization settings
type SyncPolicyConfig struct {
	Interval string `yaml:"interval"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`

	// DynamicAuth replaces the static password with short-lived tokens
	DynamicAuth *DynamicAuthConfig `yaml:"dynamicAuth,omitempty"`
}

// DynamicAuthConfig selects a token based authentication method
type DynamicAuthConfig struct {
	// AWSRDSIAM authenticates with AWS RDS IAM database tokens
	AWSRDSIAM *DynamicAuthAWSRDSIAM `yaml:"awsRdsIam,omitempty"`
}

// DynamicAuthAWSRDSIAM configures AWS RDS IAM authentication
type DynamicAuthAWSRDSIAM struct {
	// Region is the AWS region of the database, or "detect" to read it from IMDS
	Region string `yaml:"region"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from COLLREG_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(DatabasePasswordEnv); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", DatabasePasswordEnv,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely. When dynamic
// authentication is configured the password is optional, since every connection
// gets a fresh token.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		if d.DynamicAuth == nil {
			return "", err
		}
		password = ""
	}
	return d.BuildConnectionString(password), nil
}

// BuildConnectionString builds a PostgreSQL connection string for the given password.
// An empty password leaves the userinfo without one.
func (d *DatabaseConfig) BuildConnectionString(password string) string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	user := url.User(d.User)
	if password != "" {
		user = url.UserPassword(d.User, password)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetStorageType returns the configured storage type. Without an explicit type,
// a database section selects database storage.
func (c *Config) GetStorageType() StorageType {
	if c.Storage != nil && c.Storage.Type != "" {
		return StorageType(c.Storage.Type)
	}
	if c.Database != nil {
		return StorageTypeDatabase
	}
	return StorageTypeFile
}

// GetDataDir returns the data directory, defaulting to the XDG data home
func (c *Config) GetDataDir() string {
	if c.Storage != nil && c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return filepath.Join(xdg.DataHome, "collection-registry")
}

// GetWorkers returns the worker pool size
func (c *Config) GetWorkers() int {
	if c.Tasks == nil || c.Tasks.Workers <= 0 {
		return runtime.NumCPU()
	}
	return c.Tasks.Workers
}

// GetJobTimeout returns the per-job timeout. The value is validated on load.
func (c *Config) GetJobTimeout() time.Duration {
	if c.Tasks == nil || c.Tasks.JobTimeout == "" {
		return DefaultJobTimeout
	}
	d, err := time.ParseDuration(c.Tasks.JobTimeout)
	if err != nil {
		return DefaultJobTimeout
	}
	return d
}

// GetLeaseTTL returns the job lease TTL. The value is validated on load.
func (c *Config) GetLeaseTTL() time.Duration {
	if c.Tasks == nil || c.Tasks.LeaseTTL == "" {
		return DefaultLeaseTTL
	}
	d, err := time.ParseDuration(c.Tasks.LeaseTTL)
	if err != nil {
		return DefaultLeaseTTL
	}
	return d
}

// GetMaxArtifactSize returns the upload size limit; zero means unlimited
func (c *Config) GetMaxArtifactSize() int64 {
	if c.Intake == nil {
		return 0
	}
	return c.Intake.MaxSize
}

// GetRemote returns the remote with the given name
func (c *Config) GetRemote(name string) (*RemoteConfig, bool) {
	for i := range c.Remotes {
		if c.Remotes[i].Name == name {
			return &c.Remotes[i], true
		}
	}
	return nil, false
}

// GetOptimize reports whether unchanged upstream content is skipped
func (r *RemoteConfig) GetOptimize() bool {
	return r.Optimize == nil || *r.Optimize
}

// GetRefilterNamespace reports whether upstream pages are re-filtered by namespace
func (r *RemoteConfig) GetRefilterNamespace() bool {
	return r.RefilterNamespace == nil || *r.RefilterNamespace
}

// GetSyncInterval returns the periodic sync interval, or zero when periodic sync is disabled
func (r *RemoteConfig) GetSyncInterval() time.Duration {
	if r.SyncPolicy == nil || r.SyncPolicy.Interval == "" {
		return 0
	}
	d, err := time.ParseDuration(r.SyncPolicy.Interval)
	if err != nil {
		return 0
	}
	return d
}

// GetRequirements returns the requirements document text
func (r *RemoteConfig) GetRequirements() (string, error) {
	if r.RequirementsFile == "" {
		return r.Requirements, nil
	}
	data, err := os.ReadFile(filepath.Clean(r.RequirementsFile))
	if err != nil {
		return "", fmt.Errorf("failed to read requirements file %s: %w", r.RequirementsFile, err)
	}
	return string(data), nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	switch c.GetStorageType() {
	case StorageTypeFile:
	case StorageTypeDatabase:
		if c.Database == nil {
			return fmt.Errorf("storage.type is database but no database section is configured")
		}
		if da := c.Database.DynamicAuth; da != nil && da.AWSRDSIAM == nil {
			return fmt.Errorf("database.dynamicAuth must configure awsRdsIam")
		}
	default:
		return fmt.Errorf("storage.type must be %s or %s, got %s", StorageTypeFile, StorageTypeDatabase, c.Storage.Type)
	}

	if err := c.validateTasks(); err != nil {
		return err
	}

	if c.Intake != nil && c.Intake.MaxSize < 0 {
		return fmt.Errorf("intake.maxSize must not be negative")
	}

	remoteNames := make(map[string]bool)
	for i := range c.Remotes {
		remote := &c.Remotes[i]
		if remote.Name == "" {
			return fmt.Errorf("remote[%d]: name is required", i)
		}
		if remoteNames[remote.Name] {
			return fmt.Errorf("remote[%d]: duplicate remote name '%s'", i, remote.Name)
		}
		remoteNames[remote.Name] = true

		if err := validateRemoteConfig(remote, i); err != nil {
			return err
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (c *Config) validateTasks() error {
	if c.Tasks == nil {
		return nil
	}
	var errs []error
	if c.Tasks.Workers < 0 {
		errs = append(errs, fmt.Errorf("tasks.workers must not be negative"))
	}
	for field, value := range map[string]string{
		"tasks.jobTimeout": c.Tasks.JobTimeout,
		"tasks.leaseTTL":   c.Tasks.LeaseTTL,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a valid duration (e.g., '30m', '1h'): %w", field, err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", field))
		}
	}
	return errors.Join(errs...)
}

// validateRemoteConfig validates a single remote configuration
func validateRemoteConfig(remote *RemoteConfig, index int) error {
	prefix := fmt.Sprintf("remote[%d] (%s)", index, remote.Name)

	if remote.URL == "" {
		return fmt.Errorf("%s: url is required", prefix)
	}
	u, err := url.Parse(remote.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: url must be an absolute http or https URL", prefix)
	}

	if remote.Target == "" {
		return fmt.Errorf("%s: target is required", prefix)
	}

	if remote.Requirements != "" && remote.RequirementsFile != "" {
		return fmt.Errorf("%s: only one of requirements or requirementsFile may be specified", prefix)
	}

	return validateSyncPolicy(remote.SyncPolicy, prefix)
}

// validateSyncPolicy validates the sync policy configuration
func validateSyncPolicy(policy *SyncPolicyConfig, prefix string) error {
	if policy == nil {
		return nil
	}
	if policy.Interval == "" {
		return fmt.Errorf("%s: syncPolicy.interval is required when syncPolicy is set", prefix)
	}

	d, err := time.ParseDuration(policy.Interval)
	if err != nil {
		return fmt.Errorf("%s: syncPolicy.interval must be a valid duration (e.g., '30m', '1h'): %w", prefix, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: syncPolicy.interval must be positive", prefix)
	}

	return nil
}
