package hubconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pylabhub/datahub/hubconfig"
	"github.com/pylabhub/datahub/shmseg"
)

const sampleTOML = `
[broker]
url = "ws://localhost:9090/hub"

[channels.telemetry]
name = "telemetry-feed"
capacity = 16
payload_bytes = 256
flex_zone_bytes = 64
policy = "sync_reader"
checksum_enforced = true
hub_uid = "hub-1"
hub_name = "Lab Hub"
producer_uid = "prod-1"
producer_name = "Telemetry Producer"
writer_heartbeat_ms = 1000
consumer_heartbeat_ms = 2000
drain_timeout_ms = 50
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func Test_Load_Parses_Channels_And_Broker_Section(t *testing.T) {
	path := writeConfig(t, sampleTOML)

	cfg, err := hubconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:9090/hub", cfg.Broker.URL)

	ch, ok := cfg.Channels["telemetry"]
	require.True(t, ok)
	require.Equal(t, "telemetry-feed", ch.Name)
	require.Equal(t, 16, ch.Capacity)
	require.True(t, ch.ChecksumEnforced)
}

func Test_Load_Applies_Broker_URL_Environment_Override(t *testing.T) {
	path := writeConfig(t, sampleTOML)

	t.Setenv("PYLABHUB_BROKER_URL", "ws://override:1234/hub")

	cfg, err := hubconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, "ws://override:1234/hub", cfg.Broker.URL)
}

func Test_Load_Returns_Error_When_File_Is_Missing(t *testing.T) {
	_, err := hubconfig.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func Test_PolicyValue_Maps_Known_Names_And_Defaults_To_LatestOnly(t *testing.T) {
	testCases := []struct {
		name   string
		policy string
		want   shmseg.Policy
	}{
		{"EmptyDefaultsToLatestOnly", "", shmseg.LatestOnly},
		{"LatestOnly", "latest_only", shmseg.LatestOnly},
		{"SingleReader", "single_reader", shmseg.SingleReader},
		{"SyncReader", "sync_reader", shmseg.SyncReader},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := hubconfig.SegmentConfig{Policy: tc.policy}
			got, err := cfg.PolicyValue()
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func Test_PolicyValue_Returns_Error_For_Unknown_Policy_Name(t *testing.T) {
	cfg := hubconfig.SegmentConfig{Policy: "whatever"}
	_, err := cfg.PolicyValue()
	require.Error(t, err)
}

func Test_CreateOptions_Translates_Milliseconds_To_Durations(t *testing.T) {
	cfg := hubconfig.SegmentConfig{
		Capacity:            4,
		PayloadBytes:        64,
		Policy:              "single_reader",
		WriterHeartbeatMS:   1500,
		ConsumerHeartbeatMS: 0,
	}

	opts, err := cfg.CreateOptions()
	require.NoError(t, err)
	require.Equal(t, shmseg.SingleReader, opts.Policy)
	require.Equal(t, 1500*time.Millisecond, opts.WriterHeartbeatTimeout)
	require.Equal(t, time.Duration(0), opts.ConsumerHeartbeatTimeout)
}

func Test_CreateOptions_Propagates_Unknown_Policy_Error(t *testing.T) {
	cfg := hubconfig.SegmentConfig{Policy: "nonsense"}
	_, err := cfg.CreateOptions()
	require.Error(t, err)
}
