package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"axis.run/meridian/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.SemanticCache.RedisAddr = "" // skip building a real redis client in tests
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuild_SucceedsAndReportsLiveAndReady(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Build(context.Background(), cfg, BuildOptions{}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, rt)
	require.True(t, rt.Live())
	require.True(t, rt.Ready())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(shutdownCtx))
	require.False(t, rt.Ready())
	require.False(t, rt.Live())
}

func TestBuild_InvalidConfigFailsFirstPhase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0 // fails cfg.Validate()

	rt, err := Build(context.Background(), cfg, BuildOptions{}, testLogger())
	require.Error(t, err)
	require.Nil(t, rt)
}

func TestBuild_BadGearManifestDirStillSucceeds(t *testing.T) {
	cfg := testConfig(t)
	// A Gear manifest directory that doesn't exist yet is a warn-not-fail
	// condition (§4.5 "components" phase tolerates an empty/missing Gear
	// catalog at startup; gears can be added later via hot reload).
	opts := BuildOptions{GearManifestDir: cfg.DataDir + "/does-not-exist"}

	rt, err := Build(context.Background(), cfg, opts, testLogger())
	require.NoError(t, err)
	require.NotNil(t, rt)
	require.NoError(t, rt.Shutdown(context.Background()))
}

func TestBuild_TeardownRunsOnLaterPhaseFailure(t *testing.T) {
	cfg := testConfig(t)
	// An unwritable plan-cache bucket name would be unusual to trigger
	// directly; instead exercise the abort path via an HTTPAddr that can
	// never bind, forcing the bridge phase to fail after every earlier
	// phase (including the NATS connection and worker pool) has already
	// started, proving teardownAll unwinds them.
	cfg.HTTPAddr = "not-a-valid-address"

	rt, err := Build(context.Background(), cfg, BuildOptions{}, testLogger())
	require.Error(t, err)
	require.Nil(t, rt)
}
