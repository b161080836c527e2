package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Staging    StagingConfig    `mapstructure:"staging"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxUploadMB     int64  `mapstructure:"max_upload_mb"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres or sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite file
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
}

type AuthConfig struct {
	JWT                 JWTConfig        `mapstructure:"jwt"`
	DefaultOrganization string           `mapstructure:"default_organization"`
	EnvFilePath         string           `mapstructure:"env_file_path"`
	LoginLimit          LoginLimitConfig `mapstructure:"login_limit"`
}

type JWTConfig struct {
	SecretKey   string `mapstructure:"secret_key"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
	Issuer      string `mapstructure:"issuer"`
}

type LoginLimitConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// StagingConfig controls where uploaded execution inputs are written before
// the engine picks them up.
type StagingConfig struct {
	Backend  string        `mapstructure:"backend"` // local or s3
	RootDir  string        `mapstructure:"root_dir"`
	Timeout  time.Duration `mapstructure:"timeout"`
	S3Bucket string        `mapstructure:"s3_bucket"`
	S3Region string        `mapstructure:"s3_region"`
	S3Prefix string        `mapstructure:"s3_prefix"`
	Endpoint string        `mapstructure:"s3_endpoint"`
}

type EngineConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RPS            float64       `mapstructure:"rps"`
	Burst          int           `mapstructure:"burst"`
	BreakerName    string        `mapstructure:"breaker_name"`
}

type DeploymentConfig struct {
	PathPrefix        string        `mapstructure:"path_prefix"`
	MaxTimeoutSeconds int           `mapstructure:"max_timeout_seconds"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	BackgroundTimeout time.Duration `mapstructure:"background_timeout"`
}

func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/flowdeploy")

	setDefaults(v, serviceName)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("FLOWDEPLOY")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env vars still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper, serviceName string) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 330)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.max_upload_mb", 64)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "flowdeploy")
	v.SetDefault("database.password", "flowdeploy")
	v.SetDefault("database.name", "flowdeploy")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "flowdeploy.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.log_level", "warn")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "flowdeploy-group")
	v.SetDefault("kafka.topic", "flowdeploy.events")

	// Auth defaults
	v.SetDefault("auth.jwt.secret_key", "development-secret-key-change-in-production")
	v.SetDefault("auth.jwt.expiry_hours", 12)
	v.SetDefault("auth.jwt.issuer", "flowdeploy-auth")
	v.SetDefault("auth.default_organization", "default_org")
	v.SetDefault("auth.env_file_path", ".env")
	v.SetDefault("auth.login_limit.max_attempts", 5)
	v.SetDefault("auth.login_limit.window", 15*time.Minute)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.service_name", serviceName)
	v.SetDefault("telemetry.sampling_rate", 1.0)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)

	// Staging defaults
	v.SetDefault("staging.backend", "local")
	v.SetDefault("staging.root_dir", "/data/api-storage")
	v.SetDefault("staging.timeout", 60*time.Second)
	v.SetDefault("staging.s3_region", "us-east-1")
	v.SetDefault("staging.s3_prefix", "api-storage")

	// Engine defaults
	v.SetDefault("engine.url", "http://localhost:8090")
	v.SetDefault("engine.request_timeout", 30*time.Second)
	v.SetDefault("engine.rps", 50.0)
	v.SetDefault("engine.burst", 100)
	v.SetDefault("engine.breaker_name", "workflow-engine")

	// Deployment defaults
	v.SetDefault("deployment.path_prefix", "deployment/api")
	v.SetDefault("deployment.max_timeout_seconds", 300)
	v.SetDefault("deployment.notify_timeout", 10*time.Second)
	v.SetDefault("deployment.background_timeout", 30*time.Second)
}

// overrideFromEnv applies the unprefixed variables used by container
// deployments. They win over both the file and FLOWDEPLOY_* values.
func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DATABASE_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port, err := strconv.Atoi(os.Getenv("DATABASE_PORT")); err == nil && port != 0 {
		cfg.Database.Port = port
	}
	if user := os.Getenv("DATABASE_USER"); user != "" {
		cfg.Database.User = user
	}
	if pass := os.Getenv("DATABASE_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if name := os.Getenv("DATABASE_NAME"); name != "" {
		cfg.Database.Name = name
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort, err := strconv.Atoi(os.Getenv("REDIS_PORT")); err == nil && redisPort != 0 {
		cfg.Redis.Port = redisPort
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if servicePort, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil && servicePort != 0 {
		cfg.Server.Port = servicePort
	}

	if engineURL := os.Getenv("WORKFLOW_ENGINE_URL"); engineURL != "" {
		cfg.Engine.URL = engineURL
	}
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Staging.Backend {
	case "local":
		if c.Staging.RootDir == "" {
			return fmt.Errorf("staging.root_dir is required for the local backend")
		}
	case "s3":
		if c.Staging.S3Bucket == "" {
			return fmt.Errorf("staging.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported staging backend %q", c.Staging.Backend)
	}
	if c.Auth.LoginLimit.MaxAttempts <= 0 {
		return fmt.Errorf("auth.login_limit.max_attempts must be positive")
	}
	if c.Deployment.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("deployment.max_timeout_seconds must not be negative")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
