package cfg

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Change-log source types
const (
	SourceLog   = "log"   // Local Pebble change log
	SourceNATS  = "nats"  // NATS JetStream stream
	SourceKafka = "kafka" // Kafka topic
)

// Registry store types
const (
	RegistryPebble = "pebble"
	RegistrySQLite = "sqlite"
)

// Delivery types
const (
	DeliveryLocal = "local" // Write to sockets held by this node
	DeliveryNATS  = "nats"  // Route through NATS to the node holding the socket
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// GatewayConfiguration controls the WebSocket/HTTP listener
type GatewayConfiguration struct {
	BindAddress    string   `toml:"bind_address"`
	Port           int      `toml:"port"`
	Path           string   `toml:"path"`
	WriteTimeoutMS int      `toml:"write_timeout_ms"`
	AllowedOrigins []string `toml:"allowed_origins"` // Empty allows all origins
}

// RegistryConfiguration controls where connections and subscriptions live
type RegistryConfiguration struct {
	Type     string `toml:"type"`      // "pebble" or "sqlite"
	PageSize int    `toml:"page_size"` // Subscribers per page
}

// EngineConfiguration controls the execution engine
type EngineConfiguration struct {
	CacheSize int `toml:"cache_size"` // Compiled operations kept in memory
}

// NATSSourceConfiguration for a JetStream change-log source
type NATSSourceConfiguration struct {
	URL     string `toml:"url"`
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
	Durable string `toml:"durable"`
}

// KafkaSourceConfiguration for a Kafka change-log source
type KafkaSourceConfiguration struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
}

// ChangeLogConfiguration controls how change-log batches are consumed
type ChangeLogConfiguration struct {
	Type            string                   `toml:"type"` // "log", "nats" or "kafka"
	Consumer        string                   `toml:"consumer"`
	BatchSize       int                      `toml:"batch_size"`
	PollIntervalMS  int                      `toml:"poll_interval_ms"`
	RetryInitialMS  int                      `toml:"retry_initial_ms"`
	RetryMaxMS      int                      `toml:"retry_max_ms"`
	RetryMultiplier float64                  `toml:"retry_multiplier"`
	FilterEvents    []string                 `toml:"filter_events"` // Glob patterns, empty = all
	NATS            NATSSourceConfiguration  `toml:"nats"`
	Kafka           KafkaSourceConfiguration `toml:"kafka"`
}

// DeliveryConfiguration controls how messages reach connections
type DeliveryConfiguration struct {
	Type          string `toml:"type"` // "local" or "nats"
	NatsURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	TimeoutMS     int    `toml:"timeout_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Gateway    GatewayConfiguration    `toml:"gateway"`
	Registry   RegistryConfiguration   `toml:"registry"`
	Engine     EngineConfiguration     `toml:"engine"`
	ChangeLog  ChangeLogConfiguration  `toml:"changelog"`
	Delivery   DeliveryConfiguration   `toml:"delivery"`
}

// Overrides carries command line values that take precedence over the file.
// Zero values leave the file/default value in place.
type Overrides struct {
	DataDir string
	NodeID  uint64
	Port    int
}

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./fanout-data",

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:           true,
			CollectIntervalMS: 5000,
		},

		Gateway: GatewayConfiguration{
			BindAddress:    "0.0.0.0",
			Port:           4000,
			Path:           "/graphql",
			WriteTimeoutMS: 5000,
		},

		Registry: RegistryConfiguration{
			Type:     RegistryPebble,
			PageSize: 100,
		},

		Engine: EngineConfiguration{
			CacheSize: 1024,
		},

		ChangeLog: ChangeLogConfiguration{
			Type:            SourceLog,
			Consumer:        "fanout",
			BatchSize:       100,
			PollIntervalMS:  100,
			RetryInitialMS:  100,
			RetryMaxMS:      30000,
			RetryMultiplier: 2.0,
			NATS: NATSSourceConfiguration{
				Stream:  "FANOUT_CHANGES",
				Subject: "fanout.changes",
				Durable: "fanout",
			},
			Kafka: KafkaSourceConfiguration{
				Topic:   "fanout.changes",
				GroupID: "fanout",
			},
		},

		Delivery: DeliveryConfiguration{
			Type:          DeliveryLocal,
			SubjectPrefix: "fanout.conn",
			TimeoutMS:     2000,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string, overrides Overrides) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if overrides.DataDir != "" {
		Config.DataDir = overrides.DataDir
	}
	if overrides.NodeID != 0 {
		Config.NodeID = overrides.NodeID
	}
	if overrides.Port != 0 {
		Config.Gateway.Port = overrides.Port
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("fanout")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Gateway.Port < 1 || Config.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", Config.Gateway.Port)
	}

	if Config.Gateway.WriteTimeoutMS < 1 {
		return fmt.Errorf("gateway write timeout must be >= 1ms")
	}

	switch Config.Registry.Type {
	case RegistryPebble, RegistrySQLite:
	default:
		return fmt.Errorf("invalid registry type: %s", Config.Registry.Type)
	}

	if Config.Registry.PageSize < 1 {
		return fmt.Errorf("registry page size must be >= 1")
	}

	if Config.Engine.CacheSize < 1 {
		return fmt.Errorf("engine cache size must be >= 1")
	}

	switch Config.ChangeLog.Type {
	case SourceLog:
	case SourceNATS:
		if Config.ChangeLog.NATS.URL == "" {
			return fmt.Errorf("nats change log requires changelog.nats.url")
		}
	case SourceKafka:
		if len(Config.ChangeLog.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka change log requires changelog.kafka.brokers")
		}
	default:
		return fmt.Errorf("invalid change log type: %s", Config.ChangeLog.Type)
	}

	if Config.ChangeLog.Consumer == "" {
		return fmt.Errorf("change log consumer name is required")
	}

	if Config.ChangeLog.BatchSize < 1 {
		return fmt.Errorf("change log batch size must be >= 1")
	}

	if Config.ChangeLog.RetryMultiplier < 1 {
		return fmt.Errorf("change log retry multiplier must be >= 1")
	}

	switch Config.Delivery.Type {
	case DeliveryLocal:
	case DeliveryNATS:
		if Config.Delivery.NatsURL == "" {
			return fmt.Errorf("nats delivery requires delivery.nats_url")
		}
	default:
		return fmt.Errorf("invalid delivery type: %s", Config.Delivery.Type)
	}

	if Config.Delivery.TimeoutMS < 1 {
		return fmt.Errorf("delivery timeout must be >= 1ms")
	}

	return nil
}

// RegistryPath returns the on-disk location of the subscriber registry
func RegistryPath() string {
	if Config.Registry.Type == RegistrySQLite {
		return filepath.Join(Config.DataDir, "registry.db")
	}
	return filepath.Join(Config.DataDir, "registry")
}
