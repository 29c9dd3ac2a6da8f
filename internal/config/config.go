package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	Maps        []MapConfig       `yaml:"maps"`
}

type ServerConfig struct {
	RESTPort    int    `yaml:"rest_port"`
	LogDir      string `yaml:"log_dir"`
	LogLevel    string `yaml:"log_level"`
	ServiceName string `yaml:"service_name"`
	Tracing     bool   `yaml:"tracing"`

	TraceEndpoint    string  `yaml:"trace_endpoint"`
	TraceInsecure    bool    `yaml:"trace_insecure"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type StorageConfig struct {
	ChunkBackend  string      `yaml:"chunk_backend"`  // memory | badger
	ObjectBackend string      `yaml:"object_backend"` // memory | mongo | redis | mysql | sqlite
	DataPath      string      `yaml:"data_path"`
	Mongo         MongoConfig `yaml:"mongo"`
	Redis         RedisConfig `yaml:"redis"`
	SQL           SQLConfig   `yaml:"sql"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

type CacheConfig struct {
	MaxChunks int64  `yaml:"max_chunks"`
	NATSURL   string `yaml:"nats_url"`
	Subject   string `yaml:"subject"`
}

type CoordinatorConfig struct {
	LockMode       string        `yaml:"lock_mode"` // position | map
	LockStripes    int           `yaml:"lock_stripes"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

type KnowledgeConfig struct {
	Path string `yaml:"path"`
}

// MapConfig описывает границы карты и размер листового чанка
type MapConfig struct {
	ID       uint64 `yaml:"id"`
	Start    [3]int `yaml:"start"`
	End      [3]int `yaml:"end"`
	LeafSize [3]int `yaml:"leaf_size"`
}

// Default возвращает конфигурацию для локального запуска без внешних сервисов
func Default() *Config {
	cfg := &Config{
		Maps: []MapConfig{{
			ID:       1,
			Start:    [3]int{0, 0, 0},
			End:      [3]int{64, 64, 64},
			LeafSize: [3]int{16, 16, 16},
		}},
	}
	cfg.applyDefaults()
	return cfg
}

// GetRESTPort возвращает REST порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getIntWithEnvFallback(s.RESTPort, "SPATIAL_REST_PORT", 8088)
}

// GetWorkers возвращает размер пула воркеров координатора
func (c *CoordinatorConfig) GetWorkers() int {
	return getIntWithEnvFallback(c.Workers, "SPATIAL_WORKERS", 8)
}

// GetLockStripes возвращает количество полос блокировок
func (c *CoordinatorConfig) GetLockStripes() int {
	return getIntWithEnvFallback(c.LockStripes, "SPATIAL_LOCK_STRIPES", 256)
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configValue int, envVar string, defaultValue int) int {
	if configValue > 0 {
		return configValue
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	return defaultValue
}

func getStringWithEnvFallback(configValue, envVar, defaultValue string) string {
	if configValue != "" {
		return configValue
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultValue
}

func (c *Config) applyDefaults() {
	c.Server.LogLevel = getStringWithEnvFallback(c.Server.LogLevel, "SPATIAL_LOG_LEVEL", "INFO")
	c.Server.ServiceName = getStringWithEnvFallback(c.Server.ServiceName, "SPATIAL_SERVICE_NAME", "spatial-core")

	c.Storage.ChunkBackend = getStringWithEnvFallback(c.Storage.ChunkBackend, "SPATIAL_CHUNK_BACKEND", "memory")
	c.Storage.ObjectBackend = getStringWithEnvFallback(c.Storage.ObjectBackend, "SPATIAL_OBJECT_BACKEND", "memory")
	c.Storage.DataPath = getStringWithEnvFallback(c.Storage.DataPath, "SPATIAL_DATA_PATH", "data")
	c.Storage.Mongo.URI = getStringWithEnvFallback(c.Storage.Mongo.URI, "SPATIAL_MONGO_URI", "mongodb://localhost:27017")
	c.Storage.Redis.Addr = getStringWithEnvFallback(c.Storage.Redis.Addr, "SPATIAL_REDIS_ADDR", "localhost:6379")
	c.Storage.SQL.DSN = getStringWithEnvFallback(c.Storage.SQL.DSN, "SPATIAL_SQL_DSN", "")

	if c.Cache.MaxChunks <= 0 {
		c.Cache.MaxChunks = 4096
	}
	c.Cache.NATSURL = getStringWithEnvFallback(c.Cache.NATSURL, "SPATIAL_NATS_URL", "")

	c.Coordinator.LockMode = getStringWithEnvFallback(c.Coordinator.LockMode, "SPATIAL_LOCK_MODE", "position")
	c.Coordinator.LockStripes = c.Coordinator.GetLockStripes()
	c.Coordinator.Workers = c.Coordinator.GetWorkers()
	if c.Coordinator.QueueSize <= 0 {
		c.Coordinator.QueueSize = 1024
	}
	if c.Coordinator.RequestTimeout <= 0 {
		c.Coordinator.RequestTimeout = 5 * time.Second
	}

	if c.EventBus.Buffer <= 0 {
		c.EventBus.Buffer = 1024
	}
	if c.EventBus.Retention <= 0 {
		c.EventBus.Retention = 24
	}
}

// Validate проверяет согласованность конфигурации
func (c *Config) Validate() error {
	switch c.Coordinator.LockMode {
	case "position", "map":
	default:
		return fmt.Errorf("неизвестный lock_mode %q (ожидалось position или map)", c.Coordinator.LockMode)
	}

	seen := make(map[uint64]struct{}, len(c.Maps))
	for _, m := range c.Maps {
		if m.ID == 0 {
			return fmt.Errorf("id карты должен быть больше 0")
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("карта %d объявлена дважды", m.ID)
		}
		seen[m.ID] = struct{}{}
		for i := 0; i < 3; i++ {
			if m.End[i] <= m.Start[i] {
				return fmt.Errorf("карта %d: пустые границы по оси %d", m.ID, i)
			}
			if m.LeafSize[i] <= 0 {
				return fmt.Errorf("карта %d: leaf_size по оси %d должен быть > 0", m.ID, i)
			}
		}
	}
	return nil
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV SPATIAL_CONFIG или возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SPATIAL_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
