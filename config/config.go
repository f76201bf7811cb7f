package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/slighter12/go-lib/database/postgres"
)

const defaultPath = "."

type Config struct {
	Env struct {
		Env         string `json:"env" yaml:"env"`
		ServiceName string `json:"serviceName" yaml:"serviceName"`
		Debug       bool   `json:"debug" yaml:"debug"`
		Log         Log    `json:"log" yaml:"log"`
	} `json:"env" yaml:"env"`

	HTTP struct {
		Port     int `json:"port" yaml:"port"`
		Timeouts struct {
			ReadTimeout       time.Duration `json:"readTimeout" yaml:"readTimeout"`
			ReadHeaderTimeout time.Duration `json:"readHeaderTimeout" yaml:"readHeaderTimeout"`
			WriteTimeout      time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
			IdleTimeout       time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
		} `json:"timeouts" yaml:"timeouts"`
	} `json:"http" yaml:"http"`

	Postgres *postgres.DBConn `json:"postgres" yaml:"postgres" mapstructure:"postgres"`

	// Bus names the two proxy planes this deployment runs on. Services
	// dial these; the busproxy binary listens on them.
	Bus BusConfig `json:"bus" yaml:"bus"`

	Txn         TxnConfig         `json:"txn" yaml:"txn"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Reaper      ReaperConfig      `json:"reaper" yaml:"reaper"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
}

// BusConfig holds the listen/dial addresses of the two bus planes.
type BusConfig struct {
	// App is the host:port of the application-plane proxy.
	App string `json:"app" yaml:"app" validate:"required,hostname_port"`
	// Device is the host:port of the device-plane proxy.
	Device string `json:"device" yaml:"device" validate:"required,hostname_port"`
}

// TxnConfig tunes request/reply transactions.
type TxnConfig struct {
	// DefaultTimeout bounds a transaction when the caller passes none.
	DefaultTimeout time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
}

// CoordinatorConfig tunes the coordinator service.
type CoordinatorConfig struct {
	// KeepaliveGrace pads a group channel's liveness budget beyond the
	// group's accounting duration.
	KeepaliveGrace time.Duration `json:"keepaliveGrace" yaml:"keepaliveGrace"`
}

// ReaperConfig tunes presence tracking.
type ReaperConfig struct {
	// TTL is how long a device stays present without a heartbeat.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// PruneInterval is how often long-absent devices are swept. Zero
	// disables pruning.
	PruneInterval time.Duration `json:"pruneInterval" yaml:"pruneInterval"`
	// AbsentFor is how long a device must stay absent before the sweep
	// deletes its record.
	AbsentFor time.Duration `json:"absentFor" yaml:"absentFor"`
}

// SchedulerConfig tunes the group lifecycle scheduler.
type SchedulerConfig struct {
	// TickInterval is the lifecycle evaluation cadence.
	TickInterval time.Duration `json:"tickInterval" yaml:"tickInterval"`
	// MaintenanceInterval is the cadence of the slow repair pass that
	// promotes parked groups and fixes duration drift.
	MaintenanceInterval time.Duration `json:"maintenanceInterval" yaml:"maintenanceInterval"`
}

type Log struct {
	Pretty bool   `json:"pretty" yaml:"pretty"`
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// LoadWithEnv loads .yaml files through koanf.
func LoadWithEnv[T any](currEnv string, configPath ...string) (*T, error) {
	cfg := new(T)
	koanfInstance := koanf.New(".")

	// Build list of paths to search for config file
	searchPaths := []string{defaultPath}
	if len(configPath) != 0 {
		pwd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "os.Getwd")
		}
		for _, path := range configPath {
			abs := filepath.Join(pwd, path)
			searchPaths = append(searchPaths, abs)
		}
	}

	// Try to find and load the config file
	var configFile string
	var found bool
	for _, path := range searchPaths {
		candidate := filepath.Join(path, currEnv+".yaml")
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
			found = true

			break
		}
	}

	if !found {
		return nil, errors.Errorf("config file %s.yaml not found in any search path", currEnv)
	}

	// Load YAML config file
	if err := koanfInstance.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "read %s config failed", currEnv)
	}

	existingConfigMap := koanfInstance.Raw()

	// Load environment variables
	if err := koanfInstance.Load(env.Provider(".", env.Opt{
		TransformFunc: func(k, v string) (string, any) {
			// Convert ENV_VAR_NAME to path and align each segment with existing YAML keys.
			// Example: POSTGRES_SSLMODE -> postgres.sslMode (not postgres.sslmode)
			key := canonicalizeEnvKey(k, existingConfigMap)

			return key, v
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	// Unmarshal into the config struct (case-insensitive to match env vars)
	if err := koanfInstance.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				// Case-insensitive matching for env var overrides
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s config failed", currEnv)
	}

	return cfg, nil
}

func New() (*Config, error) {
	cfg, err := LoadWithEnv[Config]("config", "config", "../config", "../../config")
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	if cfg.Postgres != nil {
		// Build replicas from environment variables (POSTGRES_REPLICAS_0_HOST, POSTGRES_REPLICAS_0_PORT, etc.)
		cfg.Postgres.Replicas = buildReplicasFromEnv()
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Txn.DefaultTimeout <= 0 {
		cfg.Txn.DefaultTimeout = 10 * time.Second
	}
	if cfg.Coordinator.KeepaliveGrace <= 0 {
		cfg.Coordinator.KeepaliveGrace = 5 * time.Minute
	}
	if cfg.Reaper.TTL <= 0 {
		cfg.Reaper.TTL = 30 * time.Second
	}
	if cfg.Reaper.AbsentFor <= 0 {
		cfg.Reaper.AbsentFor = 7 * 24 * time.Hour
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Scheduler.MaintenanceInterval <= 0 {
		cfg.Scheduler.MaintenanceInterval = 10 * time.Minute
	}
}

func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (matched string, next map[string]any, ok bool) {
	if len(current) == 0 {
		return "", nil, false
	}

	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}

		child, _ := value.(map[string]any)

		return key, child, true
	}

	return "", nil, false
}

func normalizeToken(s string) string {
	var normalized strings.Builder
	normalized.Grow(len(s))

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized.WriteRune(unicode.ToLower(r))
	}

	return normalized.String()
}

// buildReplicasFromEnv builds the replicas slice from environment variables.
// Environment variable format: POSTGRES_REPLICAS_{index}_{field}
// Example: POSTGRES_REPLICAS_0_HOST, POSTGRES_REPLICAS_0_PORT, POSTGRES_REPLICAS_0_USERNAME, POSTGRES_REPLICAS_0_PASSWORD
func buildReplicasFromEnv() []postgres.ConnectionConfig {
	var replicas []postgres.ConnectionConfig

	for i := 0; ; i++ {
		prefix := "POSTGRES_REPLICAS_" + strconv.Itoa(i) + "_"

		host := os.Getenv(prefix + "HOST")
		port := os.Getenv(prefix + "PORT")
		if host == "" || port == "" {
			// No more replicas or incomplete configuration.
			break
		}

		replica := postgres.ConnectionConfig{
			Host:     host,
			Port:     port,
			UserName: os.Getenv(prefix + "USERNAME"),
			Password: os.Getenv(prefix + "PASSWORD"),
		}

		replicas = append(replicas, replica)
	}

	return replicas
}
