package config_test

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/bisibesi/replicator/internal/config"
)

func setRequired(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "http://meta.example.com")
	t.Setenv("UPSTREAM_DATABASE_ID", "7")
	t.Setenv("UPSTREAM_USERNAME", "alice")
	t.Setenv("UPSTREAM_PASSWORD", "s3cret")
	t.Setenv("TARGET_HOST", "localhost")
	t.Setenv("TARGET_PORT", "5432")
	t.Setenv("TARGET_NAME", "replica")
	t.Setenv("TARGET_USERNAME", "replica_user")
	t.Setenv("TARGET_PASSWORD", "replica_pass")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load(config.NewViper())
	require.NoError(t, err)

	require.Equal(t, int64(7), cfg.UpstreamDatabaseID)
	require.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 1000, cfg.BatchSize)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, config.ConflictError, cfg.ConflictPolicy)
	require.True(t, cfg.EnableRollback)
	require.False(t, cfg.ContinueOnError)
	require.Equal(t, config.ModeSync, cfg.Mode)
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("TARGET_PASSWORD", "")

	_, err := config.Load(config.NewViper())
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrConfigInvalid))
}

func TestLoad_PortBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("TARGET_PORT", "70000")

	_, err := config.Load(config.NewViper())
	require.True(t, errors.Is(err, config.ErrConfigInvalid))
}

func TestLoad_ConnectTimeoutMinimum(t *testing.T) {
	setRequired(t)
	t.Setenv("CONNECT_TIMEOUT_MS", "500")

	_, err := config.Load(config.NewViper())
	require.True(t, errors.Is(err, config.ErrConfigInvalid))
}

func TestLoad_BadLogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := config.Load(config.NewViper())
	require.True(t, errors.Is(err, config.ErrConfigInvalid))
}

func TestLoad_ContinueOnErrorForcesRollbackOff(t *testing.T) {
	setRequired(t)
	t.Setenv("ENABLE_ROLLBACK", "true")
	t.Setenv("CONTINUE_ON_ERROR", "true")

	cfg, err := config.Load(config.NewViper())
	require.NoError(t, err)
	require.True(t, cfg.ContinueOnError)
	require.False(t, cfg.EnableRollback)
}

// The same RunConfig must come out regardless of how the environment was
// populated; Load reads a snapshot, not iteration order.
func TestLoad_RoundTripStable(t *testing.T) {
	setRequired(t)
	t.Setenv("BATCH_SIZE", "250")

	a, err := config.Load(config.NewViper())
	require.NoError(t, err)
	b, err := config.Load(config.NewViper())
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestTargetDSN_PercentEncodesCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("TARGET_USERNAME", "user@corp")
	t.Setenv("TARGET_PASSWORD", `p/a:s?s#w &rd%`)

	cfg, err := config.Load(config.NewViper())
	require.NoError(t, err)

	dsn := cfg.TargetDSN()
	parsed, err := url.Parse(dsn)
	require.NoError(t, err)

	// The credentials must survive a parse round trip exactly.
	require.Equal(t, "user@corp", parsed.User.Username())
	pass, ok := parsed.User.Password()
	require.True(t, ok)
	require.Equal(t, `p/a:s?s#w &rd%`, pass)

	// And no reserved character may appear raw inside the userinfo section.
	userinfo := strings.TrimPrefix(dsn[:strings.LastIndex(dsn, "@")], "postgres://")
	for _, ch := range []string{" ", "#", "?", "/"} {
		require.NotContains(t, userinfo, ch)
	}
}

func TestAdminDSN_PointsAtPostgres(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load(config.NewViper())
	require.NoError(t, err)

	parsed, err := url.Parse(cfg.AdminDSN())
	require.NoError(t, err)
	require.Equal(t, "/postgres", parsed.Path)
}
