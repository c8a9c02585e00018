// Package config loads the tpmlog YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the tpmlog commands.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	TPM       TPMConfig       `yaml:"tpm"`
	Store     StoreConfig     `yaml:"store"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Publish   PublishConfig   `yaml:"publish"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Remote    RemoteConfig    `yaml:"remote"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Collector CollectorConfig `yaml:"collector"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Verbose       bool   `yaml:"verbose"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// TPMConfig selects the TPM backend and key material.
type TPMConfig struct {
	Backend        string `yaml:"backend"` // native | tools
	Device         string `yaml:"device"`  // /dev/tpmrm0 | simulator
	Bank           string `yaml:"bank"`    // sha1 | sha256
	PCR            int    `yaml:"pcr"`
	KeyDir         string `yaml:"key_dir"`
	PublicKey      string `yaml:"public_key"`
	PrivateKey     string `yaml:"private_key"`
	PrimaryContext string `yaml:"primary_context"` // tools backend only
	KeyContext     string `yaml:"key_context"`     // tools backend only
	VerifyKey      string `yaml:"verify_key"`
	ResetLockout   bool   `yaml:"reset_lockout"`
	ToolsDir       string `yaml:"tools_dir"`
	TCTI           string `yaml:"tcti"`
	WorkDir        string `yaml:"work_dir"`
}

// StoreConfig selects the local secure log.
type StoreConfig struct {
	Kind string `yaml:"kind"` // file | sqlite
	Path string `yaml:"path"`
}

// IngestConfig configures the local input channel.
type IngestConfig struct {
	FIFO      string   `yaml:"fifo"`
	ReadGrace Duration `yaml:"read_grace"`
	Backoff   Duration `yaml:"backoff"`
	MaxLine   int      `yaml:"max_line"` // longer input lines are dropped
}

// PublishConfig selects the transport for signed records.
type PublishConfig struct {
	Transport string   `yaml:"transport"` // none | mqtt | http | ws
	URL       string   `yaml:"url"`
	Encoding  string   `yaml:"encoding"` // json | proto
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	QueueSize int      `yaml:"queue_size"`
	Timeout   Duration `yaml:"timeout"`
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// RemoteConfig points the verifier at the remote record store.
type RemoteConfig struct {
	URL        string   `yaml:"url"`
	Collection string   `yaml:"collection"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	XSRFToken  string   `yaml:"xsrf_token"`
	RateLimit  float64  `yaml:"rate_limit"` // queries per second, 0 = unlimited
	Timeout    Duration `yaml:"timeout"`
}

// VerifierConfig tunes the verification loop.
type VerifierConfig struct {
	CursorPath     string   `yaml:"cursor_path"`
	PollInterval   Duration `yaml:"poll_interval"`
	InitialLimit   int      `yaml:"initial_limit"`
	BatchLimit     int      `yaml:"batch_limit"`
	QueueSize      int      `yaml:"queue_size"`
	DequeueTimeout Duration `yaml:"dequeue_timeout"`
}

// CollectorConfig configures the remote record store server.
type CollectorConfig struct {
	Addr       string `yaml:"addr"`
	DB         string `yaml:"db"`
	Collection string `yaml:"collection"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	XSRFToken  string `yaml:"xsrf_token"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses "10s", "1m30s" and so on.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// DefaultDir is where state and keys live unless configured otherwise.
const DefaultDir = "/var/lib/tpmlog"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{RetentionDays: 14},
		TPM: TPMConfig{
			Backend: "native",
			Device:  "/dev/tpmrm0",
			Bank:    "sha256",
			PCR:     23,
			KeyDir:  filepath.Join(DefaultDir, "keys"),
		},
		Store: StoreConfig{Kind: "file", Path: filepath.Join(DefaultDir, "log")},
		Ingest: IngestConfig{
			FIFO:      filepath.Join(DefaultDir, "tpmlog.fifo"),
			ReadGrace: Duration(200 * time.Millisecond),
			Backoff:   Duration(100 * time.Millisecond),
			MaxLine:   64 << 10,
		},
		Publish: PublishConfig{
			Transport: "none",
			Encoding:  "json",
			QueueSize: 256,
			Timeout:   Duration(10 * time.Second),
		},
		MQTT: MQTTConfig{Broker: "tcp://localhost:1883", Topic: "tpmlog/records", QoS: 1},
		Remote: RemoteConfig{
			Collection: "logs",
			Timeout:    Duration(30 * time.Second),
		},
		Verifier: VerifierConfig{
			CursorPath:     filepath.Join(DefaultDir, "cursor"),
			PollInterval:   Duration(10 * time.Second),
			InitialLimit:   5,
			BatchLimit:     100,
			QueueSize:      256,
			DequeueTimeout: Duration(500 * time.Millisecond),
		},
		Collector: CollectorConfig{
			Addr:       ":8443",
			DB:         filepath.Join(DefaultDir, "collector.db"),
			Collection: "logs",
		},
	}
}

// DefaultPath returns ~/.config/tpmlog/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "tpmlog.yaml")
	}
	return filepath.Join(dir, "tpmlog", "config.yaml")
}

// Load reads path over the defaults and applies TPMLOG_* environment
// overrides. An empty path tries DefaultPath and tolerates its absence.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"TPMLOG_TPM_BACKEND":       &cfg.TPM.Backend,
		"TPMLOG_TPM_DEVICE":        &cfg.TPM.Device,
		"TPMLOG_TPM_BANK":          &cfg.TPM.Bank,
		"TPMLOG_KEY_DIR":           &cfg.TPM.KeyDir,
		"TPMLOG_VERIFY_KEY":        &cfg.TPM.VerifyKey,
		"TPMLOG_STORE_KIND":        &cfg.Store.Kind,
		"TPMLOG_STORE_PATH":        &cfg.Store.Path,
		"TPMLOG_FIFO":              &cfg.Ingest.FIFO,
		"TPMLOG_PUBLISH_TRANSPORT": &cfg.Publish.Transport,
		"TPMLOG_PUBLISH_URL":       &cfg.Publish.URL,
		"TPMLOG_MQTT_BROKER":       &cfg.MQTT.Broker,
		"TPMLOG_REMOTE_URL":        &cfg.Remote.URL,
		"TPMLOG_REMOTE_USERNAME":   &cfg.Remote.Username,
		"TPMLOG_REMOTE_PASSWORD":   &cfg.Remote.Password,
		"TPMLOG_REMOTE_XSRF_TOKEN": &cfg.Remote.XSRFToken,
		"TPMLOG_CURSOR":            &cfg.Verifier.CursorPath,
		"TPMLOG_COLLECTOR_ADDR":    &cfg.Collector.Addr,
		"TPMLOG_COLLECTOR_DB":      &cfg.Collector.DB,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	if v := os.Getenv("TPMLOG_TPM_PCR"); v != "" {
		pcr, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TPMLOG_TPM_PCR: %w", err)
		}
		cfg.TPM.PCR = pcr
	}
	return nil
}

// Validate rejects settings no command can work with.
func (c *Config) Validate() error {
	switch c.TPM.Backend {
	case "", "native", "tools":
	default:
		return fmt.Errorf("tpm.backend: unknown backend %q", c.TPM.Backend)
	}
	switch c.TPM.Bank {
	case "", "sha1", "sha256":
	default:
		return fmt.Errorf("tpm.bank: unsupported bank %q", c.TPM.Bank)
	}
	if c.TPM.PCR < 0 || c.TPM.PCR > 23 {
		return fmt.Errorf("tpm.pcr: %d out of range [0-23]", c.TPM.PCR)
	}
	switch c.Store.Kind {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.kind: unknown store %q", c.Store.Kind)
	}
	switch c.Publish.Transport {
	case "", "none", "mqtt", "http", "ws":
	default:
		return fmt.Errorf("publish.transport: unknown transport %q", c.Publish.Transport)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos: %d out of range [0-2]", c.MQTT.QoS)
	}
	return nil
}

// PublicKeyPath returns the signing key public blob, defaulting into KeyDir.
func (t TPMConfig) PublicKeyPath() string {
	return orJoin(t.PublicKey, t.KeyDir, "key.pub")
}

// PrivateKeyPath returns the signing key private blob, defaulting into KeyDir.
func (t TPMConfig) PrivateKeyPath() string {
	return orJoin(t.PrivateKey, t.KeyDir, "key.priv")
}

// VerifyKeyPath returns the verification public key, defaulting to the
// signing key public blob.
func (t TPMConfig) VerifyKeyPath() string {
	if t.VerifyKey != "" {
		return t.VerifyKey
	}
	return t.PublicKeyPath()
}

func orJoin(v, dir, name string) string {
	if v != "" {
		return v
	}
	return filepath.Join(dir, name)
}
