package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Global is ~/.tgcrm/config.toml, shared by every account.
type Global struct {
	DefaultAccount string `toml:"default_account"`
}

// LoadGlobal reads the global config. A missing file is an empty config.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &g, nil
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &g, nil
}

// Write encodes v as TOML into path, readable by the owner only. The file
// is replaced atomically so a running Watch never reads half of it.
func Write(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tgcrm-*.toml")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(f.Name()) }()

	if err := toml.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Settings is the per-account daemon configuration (tgcrm.toml).
type Settings struct {
	Database   Database   `toml:"database"`
	HTTP       HTTP       `toml:"http"`
	Gateway    Gateway    `toml:"gateway"`
	Sync       Sync       `toml:"sync"`
	Outbox     Outbox     `toml:"outbox"`
	Redis      Redis      `toml:"redis"`
	Blob       Blob       `toml:"blob"`
	Search     Search     `toml:"search"`
	Classifier Classifier `toml:"classifier"`
}

type Database struct {
	Driver string `toml:"driver"` // sqlite or postgres
	Path   string `toml:"path"`   // sqlite file; empty = account default
	DSN    string `toml:"dsn"`    // postgres connection string
}

type HTTP struct {
	Addr string `toml:"addr"`
}

type Gateway struct {
	URL      string   `toml:"url"`
	Token    string   `toml:"token"`
	Timeout  Duration `toml:"timeout"`
	PageSize int      `toml:"page_size"`
}

type Sync struct {
	LockStaleAfter    Duration `toml:"lock_stale_after"`
	HeartbeatEvery    Duration `toml:"heartbeat_every"`
	DiscoveryInterval Duration `toml:"discovery_interval"`
	ReconnectBackoff  Duration `toml:"reconnect_backoff"`
	ReconnectMax      Duration `toml:"reconnect_max"`
}

type Outbox struct {
	PollInterval    Duration `toml:"poll_interval"`
	ClaimTimeout    Duration `toml:"claim_timeout"`
	BatchSize       int      `toml:"batch_size"`
	MaxAttempts     int      `toml:"max_attempts"`
	BackoffBase     Duration `toml:"backoff_base"`
	BackoffMax      Duration `toml:"backoff_max"`
	RateLimit       float64  `toml:"rate_limit"` // operations per second
	RateBurst       int      `toml:"rate_burst"`
	Retention       Duration `toml:"retention"`
	JanitorInterval Duration `toml:"janitor_interval"`
}

type Redis struct {
	URL      string   `toml:"url"` // empty disables the shared dedup filter
	DedupTTL Duration `toml:"dedup_ttl"`
}

type Blob struct {
	Endpoint  string `toml:"endpoint"` // empty keeps attachments on local disk
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

type Search struct {
	MeiliURL string `toml:"meili_url"` // empty uses the database fallback
	MeiliKey string `toml:"meili_key"`
	Index    string `toml:"index"`
}

type Classifier struct {
	URL     string   `toml:"url"` // empty disables classification
	Timeout Duration `toml:"timeout"`
}

// Default returns settings with every tunable at its default.
func Default() *Settings {
	return &Settings{
		Database: Database{Driver: "sqlite"},
		HTTP:     HTTP{Addr: "127.0.0.1:7878"},
		Gateway: Gateway{
			URL:      "http://127.0.0.1:8081",
			Timeout:  Duration{15 * time.Second},
			PageSize: 100,
		},
		Sync: Sync{
			LockStaleAfter:    Duration{2 * time.Minute},
			HeartbeatEvery:    Duration{30 * time.Second},
			DiscoveryInterval: Duration{15 * time.Minute},
			ReconnectBackoff:  Duration{2 * time.Second},
			ReconnectMax:      Duration{time.Minute},
		},
		Outbox: Outbox{
			PollInterval:    Duration{500 * time.Millisecond},
			ClaimTimeout:    Duration{2 * time.Minute},
			BatchSize:       10,
			MaxAttempts:     5,
			BackoffBase:     Duration{2 * time.Second},
			BackoffMax:      Duration{5 * time.Minute},
			RateLimit:       20,
			RateBurst:       5,
			Retention:       Duration{7 * 24 * time.Hour},
			JanitorInterval: Duration{time.Hour},
		},
		Redis:      Redis{DedupTTL: Duration{10 * time.Minute}},
		Blob:       Blob{Bucket: "tgcrm-attachments"},
		Search:     Search{Index: "tgcrm_messages"},
		Classifier: Classifier{Timeout: Duration{30 * time.Second}},
	}
}

// LoadSettings reads tgcrm.toml over the defaults. A missing file yields
// the defaults. Environment overrides are applied last.
func LoadSettings(path string) (*Settings, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, s); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"TGCRM_DATABASE_DRIVER": &s.Database.Driver,
		"TGCRM_DATABASE_PATH":   &s.Database.Path,
		"TGCRM_DATABASE_DSN":    &s.Database.DSN,
		"TGCRM_HTTP_ADDR":       &s.HTTP.Addr,
		"TGCRM_GATEWAY_URL":     &s.Gateway.URL,
		"TGCRM_GATEWAY_TOKEN":   &s.Gateway.Token,
		"TGCRM_REDIS_URL":       &s.Redis.URL,
		"TGCRM_BLOB_ENDPOINT":   &s.Blob.Endpoint,
		"TGCRM_BLOB_ACCESS_KEY": &s.Blob.AccessKey,
		"TGCRM_BLOB_SECRET_KEY": &s.Blob.SecretKey,
		"TGCRM_MEILI_URL":       &s.Search.MeiliURL,
		"TGCRM_MEILI_KEY":       &s.Search.MeiliKey,
		"TGCRM_CLASSIFIER_URL":  &s.Classifier.URL,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("TGCRM_OUTBOX_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TGCRM_OUTBOX_RATE_LIMIT: %w", err)
		}
		s.Outbox.RateLimit = f
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (s *Settings) Validate() error {
	switch s.Database.Driver {
	case "sqlite":
	case "postgres":
		if s.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", s.Database.Driver)
	}
	if s.Outbox.MaxAttempts < 1 {
		return errors.New("outbox.max_attempts must be at least 1")
	}
	if s.Outbox.RateLimit <= 0 {
		return errors.New("outbox.rate_limit must be positive")
	}
	if s.Sync.HeartbeatEvery.Duration >= s.Sync.LockStaleAfter.Duration {
		return errors.New("sync.heartbeat_every must be shorter than sync.lock_stale_after")
	}
	if s.Outbox.BatchSize < 1 {
		return errors.New("outbox.batch_size must be at least 1")
	}
	return nil
}
