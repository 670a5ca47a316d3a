package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MQ         MQConfig         `mapstructure:"mq"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Propagator PropagatorConfig `mapstructure:"propagator"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
	GrpcPort string `mapstructure:"grpc_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// DSN gorm/pgx 使用的连接串
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.Host, c.User, c.Password, c.Name, c.Port)
}

// URL golang-migrate 使用的连接串
func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// MQConfig 变更通知通道
type MQConfig struct {
	Type     string `mapstructure:"type"` // "redis" or "kafka"
	Group    string `mapstructure:"group"`
	Instance string `mapstructure:"instance"` // 本实例标识, 消费组名为 group.instance; 为空时启动时生成
}

// InstanceGroup 每个实例独立消费组, 每条变更通知都会送到所有实例
func InstanceGroup(base, instance string) string {
	if instance == "" {
		return base
	}
	return base + "." + instance
}

type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// RateConfig 单个物料的单价与环保系数
type RateConfig struct {
	Name          string  `mapstructure:"name"`
	PricePerKg    string  `mapstructure:"price_per_kg"` // decimal string
	PointsPerKg   float64 `mapstructure:"points_per_kg"`
	CO2PerKg      float64 `mapstructure:"co2_per_kg"`
	WaterPerKg    float64 `mapstructure:"water_per_kg"`
	LandfillPerKg float64 `mapstructure:"landfill_per_kg"`
}

type ExclusionConfig struct {
	Markers []string `mapstructure:"markers"`
	Match   string   `mapstructure:"match"` // substring, exact, word
}

type TierConfig struct {
	Name        string  `mapstructure:"name"`
	MinWeightKg float64 `mapstructure:"min_weight_kg"`
}

type ImpactConfig struct {
	CO2PerKg      float64 `mapstructure:"co2_per_kg"`
	WaterPerKg    float64 `mapstructure:"water_per_kg"`
	LandfillPerKg float64 `mapstructure:"landfill_per_kg"`
	PerMaterial   bool    `mapstructure:"per_material"`
}

type LedgerConfig struct {
	Rates       []RateConfig    `mapstructure:"rates"`
	DefaultRate RateConfig      `mapstructure:"default_rate"`
	Exclusion   ExclusionConfig `mapstructure:"exclusion"`
	Tiers       []TierConfig    `mapstructure:"tiers"`
	Impact      ImpactConfig    `mapstructure:"impact"`
	// RateSyncInterval 从 materials 表重新加载单价的间隔, 0 表示只用配置
	RateSyncInterval time.Duration `mapstructure:"rate_sync_interval"`
}

type CacheConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	DegradedTTL        time.Duration `mapstructure:"degraded_ttl"`
	StaleMaxAge        time.Duration `mapstructure:"stale_max_age"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	ActiveWindow       time.Duration `mapstructure:"active_window"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl"`
	RefreshConcurrency int           `mapstructure:"refresh_concurrency"` // 后台刷新活跃用户的并发数
}

type PropagatorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Topic        string        `mapstructure:"topic"`
	UpdatesTopic string        `mapstructure:"updates_topic"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	RelayEnabled bool          `mapstructure:"relay_enabled"`
}

var Global Config

func Init() {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := v.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// Load 读取指定配置文件 (path 为空时只用默认值和环境变量), 不修改 Global
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// 环境变量设置
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.http_port", "8080")
	v.SetDefault("app.grpc_port", "50051")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "wallet_user")
	v.SetDefault("db.password", "wallet_password")
	v.SetDefault("db.name", "recycling_db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "wallet_ledger_group")

	v.SetDefault("mq.type", "redis")
	v.SetDefault("mq.group", "wallet_ledger")

	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.concurrency", 10)

	v.SetDefault("ledger.rates", []map[string]interface{}{
		{"name": "PET", "price_per_kg": "15.00", "points_per_kg": 1, "co2_per_kg": 1.5, "water_per_kg": 17.0, "landfill_per_kg": 1.0},
		{"name": "Aluminium", "price_per_kg": "18.00", "points_per_kg": 1, "co2_per_kg": 9.0, "water_per_kg": 40.0, "landfill_per_kg": 1.0},
		{"name": "Glass", "price_per_kg": "2.00", "points_per_kg": 1, "co2_per_kg": 0.3, "water_per_kg": 2.0, "landfill_per_kg": 1.0},
		{"name": "Paper", "price_per_kg": "2.50", "points_per_kg": 1, "co2_per_kg": 0.9, "water_per_kg": 26.0, "landfill_per_kg": 1.0},
		{"name": "Cardboard", "price_per_kg": "2.00", "points_per_kg": 1, "co2_per_kg": 0.8, "water_per_kg": 20.0, "landfill_per_kg": 1.0},
		{"name": "HDPE", "price_per_kg": "5.00", "points_per_kg": 1, "co2_per_kg": 1.2, "water_per_kg": 10.0, "landfill_per_kg": 1.0},
		{"name": "Steel", "price_per_kg": "3.00", "points_per_kg": 1, "co2_per_kg": 1.8, "water_per_kg": 5.0, "landfill_per_kg": 1.0},
	})
	v.SetDefault("ledger.default_rate.name", "default")
	v.SetDefault("ledger.default_rate.price_per_kg", "1.00")
	v.SetDefault("ledger.default_rate.points_per_kg", 1)
	v.SetDefault("ledger.default_rate.co2_per_kg", 0.5)
	v.SetDefault("ledger.default_rate.water_per_kg", 3.5)
	v.SetDefault("ledger.default_rate.landfill_per_kg", 1.0)
	v.SetDefault("ledger.exclusion.markers", []string{"pet"})
	v.SetDefault("ledger.exclusion.match", "substring")
	v.SetDefault("ledger.tiers", []map[string]interface{}{
		{"name": "bronze", "min_weight_kg": 0},
		{"name": "silver", "min_weight_kg": 50},
		{"name": "gold", "min_weight_kg": 150},
		{"name": "platinum", "min_weight_kg": 300},
		{"name": "diamond", "min_weight_kg": 500},
	})
	v.SetDefault("ledger.impact.co2_per_kg", 0.5)
	v.SetDefault("ledger.impact.water_per_kg", 3.5)
	v.SetDefault("ledger.impact.landfill_per_kg", 1.0)
	v.SetDefault("ledger.impact.per_material", false)
	v.SetDefault("ledger.rate_sync_interval", 5*time.Minute)

	v.SetDefault("cache.ttl", 2*time.Minute)
	v.SetDefault("cache.degraded_ttl", 20*time.Second)
	v.SetDefault("cache.stale_max_age", 24*time.Hour)
	v.SetDefault("cache.attempt_timeout", 5*time.Second)
	v.SetDefault("cache.max_attempts", 3)
	v.SetDefault("cache.backoff_base", 200*time.Millisecond)
	v.SetDefault("cache.refresh_interval", 30*time.Second)
	v.SetDefault("cache.active_window", 5*time.Minute)
	v.SetDefault("cache.snapshot_ttl", 24*time.Hour)
	v.SetDefault("cache.refresh_concurrency", 8)

	v.SetDefault("propagator.enabled", true)
	v.SetDefault("propagator.topic", "ledger_changes")
	v.SetDefault("propagator.updates_topic", "wallet_events_updated")
	v.SetDefault("propagator.max_retries", 5)
	v.SetDefault("propagator.backoff_base", time.Second)
	v.SetDefault("propagator.relay_enabled", false)
}
