// Package config 负责加载和管理应用程序的配置。
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

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf = Default()

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Enrichment    EnrichmentConfig    `mapstructure:"enrichment"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// MaxUploadBytes 限制单次上传请求体大小。
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_life"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	Concurrency int    `mapstructure:"concurrency"`
	// DelayQueueKey 是延迟任务在 Redis 中使用的有序集合 key。
	DelayQueueKey string        `mapstructure:"delay_queue_key"`
	PumpInterval  time.Duration `mapstructure:"pump_interval"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
// 索引中保存的是电商平台商品目录的镜像，用于补全（匹配）阶段。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// IngestConfig 汇总了导入流水线的所有可调参数。
type IngestConfig struct {
	LargeFileBytes         int64             `mapstructure:"large_file_bytes"`
	DirectRowLimit         int               `mapstructure:"direct_row_limit"`
	ChunkSize              int               `mapstructure:"chunk_size"`
	UpsertBatchSize        int               `mapstructure:"upsert_batch_size"`
	AttributeBatchSize     int               `mapstructure:"attribute_batch_size"`
	EstimatedRowBytes      int64             `mapstructure:"estimated_row_bytes"`
	ChunkStagger           time.Duration     `mapstructure:"chunk_stagger"`
	ChunkTimeout           time.Duration     `mapstructure:"chunk_timeout"`
	ChunkMaxAttempts       int               `mapstructure:"chunk_max_attempts"`
	AggregatorInitialDelay time.Duration     `mapstructure:"aggregator_initial_delay"`
	AggregatorPerChunk     time.Duration     `mapstructure:"aggregator_per_chunk_delay"`
	AggregatorMaxBackoff   time.Duration     `mapstructure:"aggregator_max_backoff"`
	AggregatorMaxWait      time.Duration     `mapstructure:"aggregator_max_wait"`
	ScratchDir             string            `mapstructure:"scratch_dir"`
	DefaultDatasetContext  string            `mapstructure:"default_dataset_context"`
	ManufacturerAliases    map[string]string `mapstructure:"manufacturer_aliases"`
}

// EnrichmentConfig 存储补全阶段（外部商品匹配）的配置。
type EnrichmentConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// Default 返回一份完整的默认配置，配置文件只需覆盖需要修改的项。
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8081", Mode: "release", MaxUploadBytes: 512 << 20},
		Database: DatabaseConfig{
			MySQL: MySQLConfig{MaxIdleConns: 10, MaxOpenConns: 100, ConnMaxLife: time.Hour},
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		JWT: JWTConfig{AccessTokenExpireHours: 24},
		Log: LogConfig{Level: "info", Format: "json"},
		Kafka: KafkaConfig{
			Brokers:       "localhost:9092",
			Topic:         "catalog-ingest-tasks",
			GroupID:       "catalog-ingest-worker",
			Concurrency:   4,
			DelayQueueKey: "ingest:delayed",
			PumpInterval:  time.Second,
			RetryBackoff:  5 * time.Second,
		},
		Elasticsearch: ElasticsearchConfig{Addresses: "http://localhost:9200", IndexName: "shop_products"},
		MinIO:         MinIOConfig{Endpoint: "localhost:9000", BucketName: "catalog-ingest"},
		Ingest: IngestConfig{
			LargeFileBytes:         10 << 20,
			DirectRowLimit:         100,
			ChunkSize:              500,
			UpsertBatchSize:        500,
			AttributeBatchSize:     1000,
			EstimatedRowBytes:      128,
			ChunkStagger:           250 * time.Millisecond,
			ChunkTimeout:           600 * time.Second,
			ChunkMaxAttempts:       3,
			AggregatorInitialDelay: 10 * time.Second,
			AggregatorPerChunk:     2 * time.Second,
			AggregatorMaxBackoff:   5 * time.Minute,
			AggregatorMaxWait:      6 * time.Hour,
			ScratchDir:             os.TempDir(),
			DefaultDatasetContext:  "default",
		},
		Enrichment: EnrichmentConfig{BatchSize: 20, BatchInterval: 500 * time.Millisecond, MaxAttempts: 1},
	}
}

// Init 初始化配置加载：先加载 .env（若存在），再读取 YAML，最后允许环境变量覆盖。
func Init(configPath string) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(fmt.Errorf("读取 .env 文件失败: %w", err))
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
	Conf = cfg
}
