// Package config provides the TOML configuration of a geosync node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// Role determines which half of the replication engine a node runs.
type Role string

const (
	// RolePrimary runs the transfer protocol server next to the
	// authoritative object store.
	RolePrimary Role = "primary"
	// RoleSecondary runs the dispatcher and the transfer client.
	RoleSecondary Role = "secondary"

	minimalPollInterval = 100 * time.Millisecond
)

func (r Role) validate() error {
	switch r {
	case RolePrimary, RoleSecondary:
		return nil
	default:
		return fmt.Errorf("invalid node role: %q", r)
	}
}

// Duration is a TOML duration that unmarshals from a string like "5s".
type Duration time.Duration

// Duration returns the stdlib representation.
func (d *Duration) Duration() time.Duration {
	if d != nil {
		return time.Duration(*d)
	}
	return 0
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(td)
	}
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d *Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(*d).String()), nil
}

// Primary holds the settings a secondary needs to reach the primary's
// transfer server.
type Primary struct {
	// URL is the base URL of the primary's transfer server.
	URL string `toml:"url,omitempty"`
	// AuthToken authenticates transfer requests. Overridable via
	// GEOSYNC_AUTH_TOKEN.
	AuthToken string `toml:"auth_token,omitempty"`
}

// DB holds Postgres connection settings.
type DB struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// SQLite holds settings for the single-file datastore used by single-node
// secondaries.
type SQLite struct {
	Path string `toml:"path,omitempty"`
}

// Replication contains replication specific configuration options.
type Replication struct {
	// BatchSize controls how many events a single poll cycle drains at
	// most before waiting for the next tick.
	BatchSize uint `toml:"batch_size,omitempty"`
	// PollInterval is the interval between cursor polls when the log is
	// drained.
	PollInterval Duration `toml:"poll_interval,omitempty"`
	// RetrySweepInterval is the interval between sweeps returning
	// failed registry records to pending.
	RetrySweepInterval Duration `toml:"retry_sweep_interval,omitempty"`
	// BackoffBase and BackoffCap parameterize the exponential retry
	// backoff: base * 2^retries, capped.
	BackoffBase Duration `toml:"backoff_base,omitempty"`
	BackoffCap  Duration `toml:"backoff_cap,omitempty"`
	// FetchTimeout bounds a single transfer protocol fetch.
	FetchTimeout Duration `toml:"fetch_timeout,omitempty"`
}

// DefaultReplicationConfig returns the default values for replication
// configuration.
func DefaultReplicationConfig() Replication {
	return Replication{
		BatchSize:          10,
		PollInterval:       Duration(time.Second),
		RetrySweepInterval: Duration(time.Minute),
		BackoffBase:        Duration(5 * time.Second),
		BackoffCap:         Duration(5 * time.Minute),
		FetchTimeout:       Duration(time.Hour),
	}
}

// Logging contains logging configuration.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Sentry contains the sentry crash reporting configuration.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// Config is a container for everything found in the TOML config file.
type Config struct {
	// NodeName identifies this node; a secondary's name is also its
	// event log consumer identity.
	NodeName string `toml:"node_name,omitempty"`
	Role     Role   `toml:"role,omitempty"`
	// StorageName names the primary storage this node belongs to.
	StorageName string `toml:"storage_name,omitempty"`
	// StorageRoot is the directory under which replicated objects live.
	StorageRoot string `toml:"storage_root,omitempty"`
	// ListenAddr is the transfer server listen address (primary only).
	ListenAddr           string      `toml:"listen_addr,omitempty"`
	PrometheusListenAddr string      `toml:"prometheus_listen_addr,omitempty"`
	MemoryQueueEnabled   bool        `toml:"memory_queue_enabled,omitempty"`
	Primary              Primary     `toml:"primary,omitempty"`
	DB                   DB          `toml:"database,omitempty"`
	SQLite               SQLite      `toml:"sqlite,omitempty"`
	Replication          Replication `toml:"replication,omitempty"`
	Logging              Logging     `toml:"logging,omitempty"`
	Sentry               Sentry      `toml:"sentry,omitempty"`
	GracefulStopTimeout  Duration    `toml:"graceful_stop_timeout,omitempty"`
}

// Env contains environment overrides applied on top of the TOML file.
// Secrets are preferably passed this way so config files can be world
// readable.
type Env struct {
	AuthToken  string `envconfig:"auth_token"`
	DBPassword string `envconfig:"db_password"`
}

// FromFile loads the config for the passed file path and applies
// environment overrides.
func FromFile(filePath string) (Config, error) {
	conf := Config{
		Replication: DefaultReplicationConfig(),
	}

	f, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&conf); err != nil {
		return Config{}, fmt.Errorf("decoding %q: %w", filePath, err)
	}

	var env Env
	if err := envconfig.Process("geosync", &env); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if env.AuthToken != "" {
		conf.Primary.AuthToken = env.AuthToken
	}
	if env.DBPassword != "" {
		conf.DB.Password = env.DBPassword
	}

	conf.setDefaults()

	return conf, nil
}

func (c *Config) setDefaults() {
	if c.Replication.BatchSize == 0 {
		c.Replication.BatchSize = DefaultReplicationConfig().BatchSize
	}
	if c.Replication.PollInterval == 0 {
		c.Replication.PollInterval = DefaultReplicationConfig().PollInterval
	}
	if c.Replication.RetrySweepInterval == 0 {
		c.Replication.RetrySweepInterval = DefaultReplicationConfig().RetrySweepInterval
	}
	if c.Replication.BackoffBase == 0 {
		c.Replication.BackoffBase = DefaultReplicationConfig().BackoffBase
	}
	if c.Replication.BackoffCap == 0 {
		c.Replication.BackoffCap = DefaultReplicationConfig().BackoffCap
	}
	if c.Replication.FetchTimeout == 0 {
		c.Replication.FetchTimeout = DefaultReplicationConfig().FetchTimeout
	}
	if c.GracefulStopTimeout == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}
}

// Validate establishes if the config is valid.
func (c *Config) Validate() error {
	if err := c.Role.validate(); err != nil {
		return err
	}

	if c.NodeName == "" {
		return errors.New("node_name is not set")
	}

	if c.Replication.PollInterval.Duration() < minimalPollInterval {
		return fmt.Errorf("poll_interval is below minimum of %s", minimalPollInterval)
	}

	if c.Replication.BackoffCap.Duration() < c.Replication.BackoffBase.Duration() {
		return errors.New("backoff_cap is below backoff_base")
	}

	switch c.Role {
	case RolePrimary:
		if c.ListenAddr == "" {
			return errors.New("listen_addr is not set")
		}
	case RoleSecondary:
		if c.Primary.URL == "" {
			return errors.New("primary.url is not set")
		}
		if c.StorageRoot == "" {
			return errors.New("storage_root is not set")
		}
	}

	return nil
}

// Backoff returns the retry backoff deadline policy configured for this
// node: base * 2^retries, capped.
func (c *Config) Backoff() func(retries int) time.Duration {
	base, cap := c.Replication.BackoffBase.Duration(), c.Replication.BackoffCap.Duration()
	return func(retries int) time.Duration {
		backoff := base
		for i := 0; i < retries; i++ {
			backoff *= 2
			if backoff >= cap {
				return cap
			}
		}
		if backoff > cap {
			return cap
		}
		return backoff
	}
}
