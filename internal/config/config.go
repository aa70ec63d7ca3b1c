// Package config loads and validates the indexd daemon configuration from
// a TOML file, with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// Logging configures the loggers.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Sentry configures crash reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// Node describes one cluster member.
type Node struct {
	ID      string `toml:"id,omitempty"`
	Name    string `toml:"name,omitempty"`
	Address string `toml:"address,omitempty"`
}

// Index describes one index served by the cluster.
type Index struct {
	Name     string `toml:"name,omitempty"`
	Shards   int    `toml:"shards,omitempty"`
	Replicas int    `toml:"replicas,omitempty"`
	// Aliases are alternate names requests may address the index by.
	Aliases []string `toml:"aliases,omitempty"`
	// WaitForActiveShards is the default write gate: "all" or a number.
	WaitForActiveShards string `toml:"wait_for_active_shards,omitempty"`
	ShadowReplicas      bool   `toml:"shadow_replicas,omitempty"`
}

// Replication tunes the replication actions.
type Replication struct {
	// Timeout bounds each transport call the replication actions send.
	// Zero means no transport-level timeout.
	Timeout Duration `toml:"timeout,omitempty"`
	// LatencyBuckets configures the operation latency histograms.
	LatencyBuckets []float64 `toml:"latency_buckets,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	// NodeID identifies this node; it must appear in the node list.
	NodeID               string      `toml:"node_id,omitempty" split_words:"true"`
	ListenAddr           string      `toml:"listen_addr,omitempty" split_words:"true"`
	PrometheusListenAddr string      `toml:"prometheus_listen_addr,omitempty" split_words:"true"`
	Nodes                []*Node     `toml:"node,omitempty"`
	Indices              []*Index    `toml:"index,omitempty"`
	Replication          Replication `toml:"replication,omitempty"`
	Logging              Logging     `toml:"logging,omitempty"`
	Sentry               Sentry      `toml:"sentry,omitempty"`
	GracefulStopTimeout  Duration    `toml:"graceful_stop_timeout,omitempty"`
}

// Duration is a TOML-friendly wrapper that parses "10s" style strings.
type Duration time.Duration

// Duration returns the wrapped value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler for TOML and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FromFile loads the config for the passed file path and applies INDEXD_*
// environment overrides.
func FromFile(filePath string) (Config, error) {
	b, err := ioutil.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process("indexd", conf); err != nil {
		return Config{}, err
	}

	conf.setDefaults()

	return *conf, nil
}

var (
	errNoNodeID            = errors.New("node_id not configured")
	errNoListener          = errors.New("no listen address configured")
	errNoNodes             = errors.New("no cluster nodes configured")
	errNodeWithoutID       = errors.New("all nodes must have an id")
	errNodeWithoutAddr     = errors.New("all nodes must have an address")
	errNodesNotUnique      = errors.New("node ids must be unique")
	errNodeAddrDuplicate   = errors.New("multiple nodes have the same address")
	errLocalNodeNotInList  = errors.New("node_id does not appear in the node list")
	errIndexUnnamed        = errors.New("indices must have a name")
	errIndicesNotUnique    = errors.New("index names must be unique")
	errIndexWithoutShards  = errors.New("indices must have at least one shard")
	errAliasNotUnique      = errors.New("index aliases must not collide with index names or other aliases")
	errIndexBadWaitSetting = errors.New("wait_for_active_shards must be \"all\" or a non-negative number")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errNoNodeID
	}
	if c.ListenAddr == "" {
		return errNoListener
	}
	if len(c.Nodes) == 0 {
		return errNoNodes
	}

	ids := make(map[string]struct{}, len(c.Nodes))
	addresses := make(map[string]struct{}, len(c.Nodes))
	for _, node := range c.Nodes {
		if node.ID == "" {
			return errNodeWithoutID
		}
		if node.Address == "" {
			return fmt.Errorf("node %q: %w", node.ID, errNodeWithoutAddr)
		}
		if _, ok := ids[node.ID]; ok {
			return fmt.Errorf("node %q: %w", node.ID, errNodesNotUnique)
		}
		ids[node.ID] = struct{}{}
		if _, ok := addresses[node.Address]; ok {
			return fmt.Errorf("node %q: address %q: %w", node.ID, node.Address, errNodeAddrDuplicate)
		}
		addresses[node.Address] = struct{}{}
	}
	if _, ok := ids[c.NodeID]; !ok {
		return errLocalNodeNotInList
	}

	indices := make(map[string]struct{}, len(c.Indices))
	for _, index := range c.Indices {
		if index.Name == "" {
			return errIndexUnnamed
		}
		if _, ok := indices[index.Name]; ok {
			return fmt.Errorf("index %q: %w", index.Name, errIndicesNotUnique)
		}
		indices[index.Name] = struct{}{}
		if index.Shards < 1 {
			return fmt.Errorf("index %q: %w", index.Name, errIndexWithoutShards)
		}
		if index.Replicas < 0 {
			return fmt.Errorf("index %q has a negative replica count", index.Name)
		}
		if _, err := ParseWaitForActiveShards(index.WaitForActiveShards); err != nil {
			return fmt.Errorf("index %q: %w", index.Name, err)
		}
	}

	// aliases must resolve to exactly one index, so they may not collide
	// with any index name or any other alias
	aliases := make(map[string]struct{})
	for _, index := range c.Indices {
		for _, alias := range index.Aliases {
			if _, ok := indices[alias]; ok {
				return fmt.Errorf("index %q: alias %q: %w", index.Name, alias, errAliasNotUnique)
			}
			if _, ok := aliases[alias]; ok {
				return fmt.Errorf("index %q: alias %q: %w", index.Name, alias, errAliasNotUnique)
			}
			aliases[alias] = struct{}{}
		}
	}

	return nil
}

// ParseWaitForActiveShards parses the per-index write gate setting. An
// empty string means "one active copy", "all" means every configured copy.
func ParseWaitForActiveShards(setting string) (int, error) {
	switch setting {
	case "":
		return 1, nil
	case "all":
		return -1, nil
	default:
		var n int
		if _, err := fmt.Sscanf(setting, "%d", &n); err != nil || n < 0 {
			return 0, errIndexBadWaitSetting
		}
		return n, nil
	}
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}
	if c.Replication.Timeout.Duration() == 0 {
		c.Replication.Timeout = Duration(time.Minute)
	}
}
