// Package config loads the YAML configuration of the scanner backend.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hb9tf/whitespace/gw"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

type Config struct {
	Ingest    IngestConfig    `yaml:"ingest"`
	Store     StoreConfig     `yaml:"store"`
	HTTP      HTTPConfig      `yaml:"http"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Filter    FilterConfig    `yaml:"filter"`
	Configure ConfigureConfig `yaml:"configure"`
}

type IngestConfig struct {
	Listen           string        `yaml:"listen"`
	Protocol         string        `yaml:"protocol"`
	SilenceTimeout   time.Duration `yaml:"silence_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	SessionQueueSize int           `yaml:"session_queue_size"`
	EventQueueSize   int           `yaml:"event_queue_size"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// SQLiteFile is the database file; ArchiveOnClose renames it with a
	// timestamp suffix on shutdown.
	SQLiteFile     string         `yaml:"sqlite_file"`
	ArchiveOnClose bool           `yaml:"archive_on_close"`
	MySQL          MySQLConfig    `yaml:"mysql"`
	Postgres       PostgresConfig `yaml:"postgres"`
}

type MySQLConfig struct {
	Server       string `yaml:"server"`
	User         string `yaml:"user"`
	PasswordFile string `yaml:"password_file"`
	DBName       string `yaml:"db_name"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AMQPConfig enables publishing of record updates when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type FilterConfig struct {
	FreqLowKHz  int64    `yaml:"freq_low_khz"`
	FreqHighKHz int64    `yaml:"freq_high_khz"`
	Senders     []string `yaml:"senders"`
}

// ConfigureConfig describes where configuration frames go.
type ConfigureConfig struct {
	Boards     []string `yaml:"boards"`
	Port       int      `yaml:"port"`
	HardwareID string   `yaml:"hardware_id"`
}

// Load reads path, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Ingest.Listen == "" {
		c.Ingest.Listen = fmt.Sprintf(":%d", gw.DefaultPort)
	}
	if c.Ingest.Protocol == "" {
		c.Ingest.Protocol = gw.WithHardwareID.String()
	}
	if c.Ingest.SilenceTimeout == 0 {
		c.Ingest.SilenceTimeout = 5 * time.Second
	}
	if c.Ingest.PollInterval == 0 {
		c.Ingest.PollInterval = time.Second
	}
	if c.Ingest.ReadBufferSize == 0 {
		c.Ingest.ReadBufferSize = 8192
	}
	if c.Ingest.SessionQueueSize == 0 {
		c.Ingest.SessionQueueSize = 64
	}
	if c.Ingest.EventQueueSize == 0 {
		c.Ingest.EventQueueSize = 1000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.SQLiteFile == "" {
		c.Store.SQLiteFile = "/tmp/whitespace"
	}
	if c.Store.MySQL.Server == "" {
		c.Store.MySQL.Server = "127.0.0.1:3306"
	}
	if c.Store.MySQL.DBName == "" {
		c.Store.MySQL.DBName = "whitespace"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "whitespace_records"
	}
	if c.Configure.Port == 0 {
		c.Configure.Port = gw.DefaultPort
	}
}

// Version returns the configured protocol version.
func (c *Config) Version() gw.Version {
	v, _ := gw.ParseVersion(c.Ingest.Protocol)
	return v
}

func (c *Config) Validate() error {
	if _, err := gw.ParseVersion(c.Ingest.Protocol); err != nil {
		return fmt.Errorf("ingest.protocol: %w", err)
	}
	if c.Ingest.SilenceTimeout < 0 || c.Ingest.PollInterval < 0 {
		return fmt.Errorf("ingest: timeouts must not be negative")
	}
	if c.Ingest.PollInterval > c.Ingest.SilenceTimeout {
		return fmt.Errorf("ingest.poll_interval %s exceeds silence_timeout %s", c.Ingest.PollInterval, c.Ingest.SilenceTimeout)
	}
	if c.Ingest.ReadBufferSize < gw.WithHardwareID.MinFrameSize() {
		return fmt.Errorf("ingest.read_buffer_size %d is too small", c.Ingest.ReadBufferSize)
	}
	if c.Ingest.SessionQueueSize < 0 || c.Ingest.EventQueueSize < 0 {
		return fmt.Errorf("ingest: queue sizes must not be negative")
	}

	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StoreMySQL:
		if c.Store.MySQL.User == "" {
			return fmt.Errorf("store.mysql.user is required")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported, pick one of: %s, %s, %s, %s", c.Store.Driver, StoreMemory, StoreSQLite, StoreMySQL, StorePostgres)
	}

	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		return fmt.Errorf("http.cert_file and http.key_file must be set together")
	}
	if c.Filter.FreqHighKHz != 0 && c.Filter.FreqLowKHz > c.Filter.FreqHighKHz {
		return fmt.Errorf("filter: freq_low_khz %d above freq_high_khz %d", c.Filter.FreqLowKHz, c.Filter.FreqHighKHz)
	}
	if c.Configure.Port <= 0 || c.Configure.Port > 0xffff {
		return fmt.Errorf("configure.port %d out of range", c.Configure.Port)
	}
	if c.Configure.HardwareID != "" {
		if _, err := c.HardwareID(); err != nil {
			return fmt.Errorf("configure.hardware_id: %w", err)
		}
	}
	return nil
}

// HardwareID parses Configure.HardwareID, nil if unset.
func (c *Config) HardwareID() (net.HardwareAddr, error) {
	if c.Configure.HardwareID == "" {
		return nil, nil
	}
	hw, err := net.ParseMAC(c.Configure.HardwareID)
	if err != nil {
		return nil, err
	}
	if len(hw) != gw.HardwareIDSize {
		return nil, fmt.Errorf("%s is not a %d byte address", hw, gw.HardwareIDSize)
	}
	return hw, nil
}
