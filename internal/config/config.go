// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. VINECRAWL_SERVER_PORT.
const EnvPrefix = "VINECRAWL"

// Backend names accepted by the storage and directory sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendFile     = "file"
	BackendNATS     = "nats"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Vine      VineConfig      `mapstructure:"vine"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the dispatcher HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AdvertiseAddress is registered in the directory. Defaults to localhost:<port>.
	AdvertiseAddress string `mapstructure:"advertise_address"`
	// APIKey, when set, is required from workers in X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// DirectoryConfig locates (or configures) the address directory.
type DirectoryConfig struct {
	// URL is where dispatchers and workers reach the directory.
	URL string `mapstructure:"url"`
	// Port is the listen port of the directory command.
	Port       int    `mapstructure:"port"`
	Backend    string `mapstructure:"backend"`
	NATSURL    string `mapstructure:"nats_url"`
	NATSBucket string `mapstructure:"nats_bucket"`
	NATSKey    string `mapstructure:"nats_key"`
}

// QueueConfig governs leasing and the in-memory working set.
type QueueConfig struct {
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout"`
	FailThreshold  int           `mapstructure:"fail_threshold"`
	RAMCeiling     int           `mapstructure:"ram_ceiling"`
	LowWater       int           `mapstructure:"low_water"`
	HighWater      int           `mapstructure:"high_water"`
	MaxLeaseBatch  int           `mapstructure:"max_lease_batch"`
	PutConcurrency int           `mapstructure:"put_concurrency"`
	// OverflowDir holds overflow.jsonl and done.log. Empty keeps overflow in memory.
	OverflowDir string   `mapstructure:"overflow_dir"`
	Seeds       []string `mapstructure:"seeds"`
}

// StorageConfig selects where records and the done-set live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	DoneLog   string `mapstructure:"done_log"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	RecordsTable string `mapstructure:"records_table"`
	DoneTable    string `mapstructure:"done_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for record-stored notifications. Empty ProjectID disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// WorkerConfig tunes the worker loop and its profiler.
type WorkerConfig struct {
	// ID labels worker logs and metrics. Empty means the host name.
	ID           string        `mapstructure:"id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Threshold    time.Duration `mapstructure:"threshold"`
	Window       int           `mapstructure:"window"`
	Lookback     int           `mapstructure:"lookback"`
	PromoteRatio float64       `mapstructure:"promote_ratio"`
	InitialBatch int           `mapstructure:"initial_batch"`
	MaxBatch     int           `mapstructure:"max_batch"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// VineConfig configures the external API client.
type VineConfig struct {
	BaseURL    string  `mapstructure:"base_url"`
	SessionKey string  `mapstructure:"session_key"`
	PageSize   int     `mapstructure:"page_size"`
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
}

// HTTPConfig bounds outgoing and incoming HTTP calls.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig selects the zap encoder preset and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional .env file, the environment and an optional config
// file. envFiles defaults to ".env"; missing env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.advertise_address", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("directory.url", "http://localhost:9000")
	v.SetDefault("directory.port", 9000)
	v.SetDefault("directory.backend", BackendMemory)
	v.SetDefault("directory.nats_url", "")
	v.SetDefault("directory.nats_bucket", "vine-directory")
	v.SetDefault("directory.nats_key", "dispatcher")
	v.SetDefault("queue.lease_timeout", 5*time.Minute)
	v.SetDefault("queue.fail_threshold", 3)
	v.SetDefault("queue.ram_ceiling", 5000)
	v.SetDefault("queue.low_water", 400)
	v.SetDefault("queue.high_water", 500)
	v.SetDefault("queue.max_lease_batch", 100)
	v.SetDefault("queue.put_concurrency", 16)
	v.SetDefault("queue.overflow_dir", "data")
	v.SetDefault("queue.seeds", []string{})
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "vine")
	v.SetDefault("storage.done_log", BackendFile)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.records_table", "records")
	v.SetDefault("db.done_table", "done_jobs")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "vine-records")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.threshold", 5*time.Second)
	v.SetDefault("worker.window", 25)
	v.SetDefault("worker.lookback", 5)
	v.SetDefault("worker.promote_ratio", 0.85)
	v.SetDefault("worker.initial_batch", 1)
	v.SetDefault("worker.max_batch", 0)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("vine.base_url", "https://api.vineapp.com")
	v.SetDefault("vine.session_key", "")
	v.SetDefault("vine.page_size", 1000)
	v.SetDefault("vine.rps", 5.0)
	v.SetDefault("vine.burst", 5)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if err := c.validateDirectory(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validateWorker()
}

func (c Config) validateDirectory() error {
	switch c.Directory.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Directory.NATSURL == "" {
			return fmt.Errorf("directory.nats_url must be set when directory.backend is nats")
		}
	default:
		return fmt.Errorf("directory.backend must be memory or nats, got %q", c.Directory.Backend)
	}
	if c.Directory.Port <= 0 {
		return fmt.Errorf("directory.port must be > 0")
	}
	return nil
}

func (c Config) validateQueue() error {
	q := c.Queue
	if q.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be > 0")
	}
	if q.FailThreshold <= 0 {
		return fmt.Errorf("queue.fail_threshold must be > 0")
	}
	if q.LowWater <= 0 || q.HighWater <= q.LowWater {
		return fmt.Errorf("queue.low_water must be > 0 and below queue.high_water")
	}
	if q.RAMCeiling < q.HighWater {
		return fmt.Errorf("queue.ram_ceiling must be >= queue.high_water")
	}
	if q.MaxLeaseBatch < 0 || q.PutConcurrency < 0 {
		return fmt.Errorf("queue.max_lease_batch and queue.put_concurrency must be >= 0")
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, postgres or gcs, got %q", c.Storage.Backend)
	}
	switch c.Storage.DoneLog {
	case BackendMemory:
	case BackendFile:
		if c.Queue.OverflowDir == "" {
			return fmt.Errorf("queue.overflow_dir must be set when storage.done_log is file")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.done_log is postgres")
		}
	default:
		return fmt.Errorf("storage.done_log must be memory, file or postgres, got %q", c.Storage.DoneLog)
	}
	return nil
}

func (c Config) validateWorker() error {
	w := c.Worker
	if w.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if w.PromoteRatio <= 0 || w.PromoteRatio > 1 {
		return fmt.Errorf("worker.promote_ratio must be in (0, 1]")
	}
	if w.InitialBatch <= 0 {
		return fmt.Errorf("worker.initial_batch must be > 0")
	}
	if w.MaxBatch < 0 || w.Concurrency < 0 {
		return fmt.Errorf("worker.max_batch and worker.concurrency must be >= 0")
	}
	return nil
}

// HTTPTimeout converts http.timeout_seconds into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// AdvertiseAddress returns the address the dispatcher registers in the directory.
func (c Config) AdvertiseAddress() string {
	if c.Server.AdvertiseAddress != "" {
		return c.Server.AdvertiseAddress
	}
	return fmt.Sprintf("localhost:%d", c.Server.Port)
}
