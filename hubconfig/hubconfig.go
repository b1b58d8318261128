// Package hubconfig loads the hub's TOML configuration, following the
// teacher's config package's load-from-path shape, with .env overrides
// layered on top for deployment-time secrets and hosts.
package hubconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/pylabhub/datahub/shmseg"
)

// SegmentConfig mirrors shmseg.CreateOptions in TOML-friendly form.
type SegmentConfig struct {
	Name          string `toml:"name"`
	Capacity      int    `toml:"capacity"`
	PayloadBytes  int    `toml:"payload_bytes"`
	FlexZoneBytes int    `toml:"flex_zone_bytes"`
	Policy        string `toml:"policy"`

	ChecksumEnforced bool `toml:"checksum_enforced"`

	HubUID       string `toml:"hub_uid"`
	HubName      string `toml:"hub_name"`
	ProducerUID  string `toml:"producer_uid"`
	ProducerName string `toml:"producer_name"`

	WriterHeartbeatMS   int `toml:"writer_heartbeat_ms"`
	ConsumerHeartbeatMS int `toml:"consumer_heartbeat_ms"`
	DrainTimeoutMS      int `toml:"drain_timeout_ms"`
}

// BrokerConfig configures the broker adapter. An empty URL means run
// without a broker (NullAdapter).
type BrokerConfig struct {
	URL string `toml:"url"`
}

// Config is the hub process's top-level configuration, one segment per
// named channel (spec §4.9's "channel name -> segment name").
type Config struct {
	Channels map[string]SegmentConfig `toml:"channels"`
	Broker   BrokerConfig             `toml:"broker"`
}

// Load reads and parses path. It first loads a .env file from the
// current working directory into the environment (godotenv.Load's error,
// including a missing file, is ignored), then lets PYLABHUB_BROKER_URL,
// if set, override the broker URL.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hubconfig: read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("hubconfig: parse %s: %w", path, err)
	}

	if url := os.Getenv("PYLABHUB_BROKER_URL"); url != "" {
		c.Broker.URL = url
	}

	return &c, nil
}

// PolicyValue resolves the config's string policy name to shmseg.Policy.
func (s SegmentConfig) PolicyValue() (shmseg.Policy, error) {
	switch s.Policy {
	case "latest_only", "":
		return shmseg.LatestOnly, nil
	case "single_reader":
		return shmseg.SingleReader, nil
	case "sync_reader":
		return shmseg.SyncReader, nil
	default:
		return 0, fmt.Errorf("hubconfig: unknown policy %q", s.Policy)
	}
}

// CreateOptions builds shmseg.CreateOptions from this config entry.
func (s SegmentConfig) CreateOptions() (shmseg.CreateOptions, error) {
	policy, err := s.PolicyValue()
	if err != nil {
		return shmseg.CreateOptions{}, err
	}

	checksum := shmseg.ChecksumDisabled
	if s.ChecksumEnforced {
		checksum = shmseg.ChecksumEnforced
	}

	return shmseg.CreateOptions{
		Capacity:                 s.Capacity,
		PayloadBytes:             s.PayloadBytes,
		FlexZoneBytes:            s.FlexZoneBytes,
		Policy:                   policy,
		ChecksumPolicy:           checksum,
		HubUID:                   s.HubUID,
		HubName:                  s.HubName,
		ProducerUID:              s.ProducerUID,
		ProducerName:             s.ProducerName,
		WriterHeartbeatTimeout:   millisOrZero(s.WriterHeartbeatMS),
		ConsumerHeartbeatTimeout: millisOrZero(s.ConsumerHeartbeatMS),
		DrainTimeout:             millisOrZero(s.DrainTimeoutMS),
	}, nil
}

func millisOrZero(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
