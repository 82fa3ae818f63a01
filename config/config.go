// Package config loads node configuration from YAML, an optional .env
// file and BUDDYNET_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportQUIC   = "quic"
	TransportTCP    = "tcp"
	TransportMemory = "memory"
)

// DHT kinds.
const (
	DHTBEP44  = "bep44"
	DHTMemory = "memory"
)

// Private chat states as written in configuration files.
const (
	PrivateChatsEnabled    = "enabled"
	PrivateChatsPinnedOnly = "pinned_only"
	PrivateChatsDisabled   = "disabled"
)

const envPrefix = "BUDDYNET_"

// ErrInvalid is wrapped by validation errors.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	DHT       DHTConfig       `yaml:"dht"`
	Store     StoreConfig     `yaml:"store"`
	Chat      ChatConfig      `yaml:"chat"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig holds identity and presence settings.
type NodeConfig struct {
	DataDir  string   `yaml:"data_dir"`
	Nickname string   `yaml:"nickname"`
	Networks []string `yaml:"networks"`
	// Addresses are advertised to buddies. When empty the transport's
	// listen host is used if it is not a wildcard.
	Addresses []string `yaml:"addresses"`
	// AllowPrivateAddresses publishes loopback and private addresses,
	// for LAN setups.
	AllowPrivateAddresses bool `yaml:"allow_private_addresses"`
}

// TransportConfig selects the buddy transport.
type TransportConfig struct {
	Kind           string `yaml:"kind"`
	Listen         string `yaml:"listen"`
	BytesPerSecond int    `yaml:"bytes_per_second"`
}

// DHTConfig selects the distributed store.
type DHTConfig struct {
	Kind      string   `yaml:"kind"`
	Listen    string   `yaml:"listen"`
	Routing   string   `yaml:"routing"`
	Bootstrap []string `yaml:"bootstrap"`
	Replicas  int      `yaml:"replicas"`
}

// StoreConfig selects the SQL database.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ChatConfig configures chats. An empty RedisURL disables them.
type ChatConfig struct {
	RedisURL     string `yaml:"redis_url"`
	PrivateChats string `yaml:"private_chats"`
	MaxHistory   int    `yaml:"max_history"`
}

// APIConfig configures the admin HTTP API. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	dataDir := ".buddynet"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".buddynet")
	}
	return Config{
		Node: NodeConfig{
			DataDir:  dataDir,
			Networks: []string{"public"},
		},
		Transport: TransportConfig{
			Kind:   TransportQUIC,
			Listen: ":27001",
		},
		DHT: DHTConfig{
			Kind:    DHTBEP44,
			Listen:  ":0",
			Routing: ":6881",
			Bootstrap: []string{
				"router.bittorrent.com:6881",
				"dht.transmissionbt.com:6881",
			},
			Replicas: 8,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Chat: ChatConfig{
			PrivateChats: PrivateChatsEnabled,
			MaxHistory:   512,
		},
		API: APIConfig{
			Listen: "127.0.0.1:27080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// it is set, then the environment. envFile, when set, is loaded into the
// environment first; a missing env file is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = filepath.Join(cfg.Node.DataDir, "buddynet.db")
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &c.Node.DataDir)
	str("NICKNAME", &c.Node.Nickname)
	list("NETWORKS", &c.Node.Networks)
	list("ADDRESSES", &c.Node.Addresses)
	flag("ALLOW_PRIVATE_ADDRESSES", &c.Node.AllowPrivateAddresses)
	str("TRANSPORT", &c.Transport.Kind)
	str("LISTEN", &c.Transport.Listen)
	num("BYTES_PER_SECOND", &c.Transport.BytesPerSecond)
	str("DHT", &c.DHT.Kind)
	str("DHT_LISTEN", &c.DHT.Listen)
	str("DHT_ROUTING", &c.DHT.Routing)
	list("BOOTSTRAP", &c.DHT.Bootstrap)
	num("DHT_REPLICAS", &c.DHT.Replicas)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("REDIS_URL", &c.Chat.RedisURL)
	str("PRIVATE_CHATS", &c.Chat.PrivateChats)
	num("CHAT_HISTORY", &c.Chat.MaxHistory)
	str("API_LISTEN", &c.API.Listen)
	str("LOG_LEVEL", &c.Logging.Level)
	flag("LOG_JSON", &c.Logging.JSON)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks enumerations and required fields.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if c.Node.DataDir == "" {
		invalid("node.data_dir is required")
	}
	if len(c.Node.Networks) == 0 {
		invalid("node.networks must list at least one network")
	}
	switch c.Transport.Kind {
	case TransportQUIC, TransportTCP, TransportMemory:
	default:
		invalid("unknown transport %q", c.Transport.Kind)
	}
	switch c.DHT.Kind {
	case DHTBEP44, DHTMemory:
	default:
		invalid("unknown dht %q", c.DHT.Kind)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		invalid("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		invalid("store.dsn is required for postgres")
	}
	switch c.Chat.PrivateChats {
	case PrivateChatsEnabled, PrivateChatsPinnedOnly, PrivateChatsDisabled:
	default:
		invalid("unknown private chat state %q", c.Chat.PrivateChats)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		invalid("logging.level: %v", err)
	}
	return errors.Join(errs...)
}

// Apply configures the standard logrus logger.
func (l LoggingConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if l.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
