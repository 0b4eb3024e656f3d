// Package config implements the Configurator: it loads runtime options from
// the environment via viper, validates them once, and exposes an immutable
// RunConfig snapshot to the rest of the engine.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrConfigInvalid marks any missing or malformed option. Callers surface it
// immediately and exit 1.
var ErrConfigInvalid = errors.New("config invalid")

// Conflict policies for the Loader.
const (
	ConflictError  = "error"
	ConflictSkip   = "skip"
	ConflictUpdate = "update"
)

// Run modes.
const (
	ModeSync   = "sync"
	ModeDryRun = "dry-run"
)

// RunConfig is the validated, immutable option snapshot for one run. All
// fields are set once by Load and never mutated afterwards.
type RunConfig struct {
	UpstreamBaseURL    string
	UpstreamDatabaseID int64
	UpstreamUsername   string
	UpstreamPassword   string

	TargetHost     string
	TargetPort     int
	TargetName     string
	TargetUsername string
	TargetPassword string
	TargetTLS      bool

	ConnectTimeout  time.Duration
	BatchSize       int
	LogLevel        string
	ConflictPolicy  string
	EnableRollback  bool
	ContinueOnError bool
	Mode            string
}

var logLevels = map[string]logrus.Level{
	"error": logrus.ErrorLevel,
	"warn":  logrus.WarnLevel,
	"info":  logrus.InfoLevel,
	"debug": logrus.DebugLevel,
}

// NewViper returns a viper instance wired the way Load expects: defaults
// registered for every optional key, environment variables picked up
// automatically by the obvious uppercase mapping (batch_size -> BATCH_SIZE).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("target_tls_enabled", false)
	v.SetDefault("connect_timeout_ms", 30000)
	v.SetDefault("batch_size", 1000)
	v.SetDefault("log_level", "info")
	v.SetDefault("conflict_policy", ConflictError)
	v.SetDefault("enable_rollback", true)
	v.SetDefault("continue_on_error", false)
	v.SetDefault("mode", ModeSync)
	v.AutomaticEnv()
	return v
}

// Load validates the options held by v and produces the immutable RunConfig.
// Credentials pass through verbatim; no dequoting is performed.
func Load(v *viper.Viper) (*RunConfig, error) {
	cfg := &RunConfig{
		UpstreamBaseURL:    v.GetString("upstream_base_url"),
		UpstreamDatabaseID: v.GetInt64("upstream_database_id"),
		UpstreamUsername:   v.GetString("upstream_username"),
		UpstreamPassword:   v.GetString("upstream_password"),
		TargetHost:         v.GetString("target_host"),
		TargetPort:         v.GetInt("target_port"),
		TargetName:         v.GetString("target_name"),
		TargetUsername:     v.GetString("target_username"),
		TargetPassword:     v.GetString("target_password"),
		TargetTLS:          v.GetBool("target_tls_enabled"),
		ConnectTimeout:     time.Duration(v.GetInt64("connect_timeout_ms")) * time.Millisecond,
		BatchSize:          v.GetInt("batch_size"),
		LogLevel:           v.GetString("log_level"),
		ConflictPolicy:     v.GetString("conflict_policy"),
		EnableRollback:     v.GetBool("enable_rollback"),
		ContinueOnError:    v.GetBool("continue_on_error"),
		Mode:               v.GetString("mode"),
	}

	required := []struct {
		key string
		ok  bool
	}{
		{"upstream_base_url", cfg.UpstreamBaseURL != ""},
		{"upstream_database_id", cfg.UpstreamDatabaseID != 0},
		{"upstream_username", cfg.UpstreamUsername != ""},
		{"upstream_password", cfg.UpstreamPassword != ""},
		{"target_host", cfg.TargetHost != ""},
		{"target_port", cfg.TargetPort != 0},
		{"target_name", cfg.TargetName != ""},
		{"target_username", cfg.TargetUsername != ""},
		{"target_password", cfg.TargetPassword != ""},
	}
	for _, r := range required {
		if !r.ok {
			return nil, errors.Mark(errors.Newf("missing required option %s", r.key), ErrConfigInvalid)
		}
	}

	if cfg.TargetPort < 1 || cfg.TargetPort > 65535 {
		return nil, errors.Mark(errors.Newf("target_port %d outside 1-65535", cfg.TargetPort), ErrConfigInvalid)
	}
	if cfg.ConnectTimeout < time.Second {
		return nil, errors.Mark(errors.Newf("connect_timeout_ms must be at least 1000, got %d", cfg.ConnectTimeout.Milliseconds()), ErrConfigInvalid)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Mark(errors.Newf("batch_size must be positive, got %d", cfg.BatchSize), ErrConfigInvalid)
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return nil, errors.Mark(errors.Newf("log_level %q not one of error|warn|info|debug", cfg.LogLevel), ErrConfigInvalid)
	}
	switch cfg.ConflictPolicy {
	case ConflictError, ConflictSkip, ConflictUpdate:
	default:
		return nil, errors.Mark(errors.Newf("conflict_policy %q not one of error|skip|update", cfg.ConflictPolicy), ErrConfigInvalid)
	}
	switch cfg.Mode {
	case ModeSync, ModeDryRun:
	default:
		return nil, errors.Mark(errors.Newf("mode %q not one of sync|dry-run", cfg.Mode), ErrConfigInvalid)
	}

	// continue_on_error subsumes rollback: a run that never raises on table
	// failure has nothing to roll back.
	if cfg.ContinueOnError {
		cfg.EnableRollback = false
	}

	return cfg, nil
}

// Logger constructs the run logger at the configured level.
func (c *RunConfig) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logLevels[c.LogLevel])
	return log
}

// TargetDSN composes the target connection URL. Credentials are
// percent-encoded, so any reserved character in a password survives the
// round trip through the URL.
func (c *RunConfig) TargetDSN() string {
	return c.dsnFor(c.TargetName)
}

// AdminDSN is the same coordinates pointed at the engine's administrative
// database, used only for the one-shot bootstrap create.
func (c *RunConfig) AdminDSN() string {
	return c.dsnFor("postgres")
}

func (c *RunConfig) dsnFor(dbName string) string {
	sslmode := "disable"
	if c.TargetTLS {
		sslmode = "require"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.TargetHost, c.TargetPort),
		Path:   "/" + dbName,
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()

	// Userinfo is escaped byte by byte: only unreserved characters stay
	// literal, including sub-delimiters such as '&' that url.UserPassword
	// would leave raw.
	escape := func(s string) string {
		var sb strings.Builder
		for i := 0; i < len(s); i++ {
			ch := s[i]
			if 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || '0' <= ch && ch <= '9' || strings.IndexByte("-._~", ch) >= 0 {
				sb.WriteByte(ch)
			} else {
				fmt.Fprintf(&sb, "%%%02X", ch)
			}
		}
		return sb.String()
	}
	userinfo := escape(c.TargetUsername) + ":" + escape(c.TargetPassword)
	return strings.Replace(u.String(), "postgres://", "postgres://"+userinfo+"@", 1)
}
