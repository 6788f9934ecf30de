package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Email      EmailConfig
	Lifecycle  LifecycleConfig
	Auth       AuthConfig
	Credential CredentialConfig
	Messaging  MessagingConfig
	NATS       NATSConfig
	Payment    PaymentConfig
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string
	Format     string // "json" or "console"
	OutputPath string
	Service    string // 写入每条日志的 service 字段
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// EmailConfig 运维邮件配置，OpsAddress 为空时不发送
type EmailConfig struct {
	SMTP        SMTPConfig
	FromAddress string
	FromName    string
	OpsAddress  string
}

// SMTPConfig SMTP服务器配置
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	SkipVerify bool // 跳过TLS证书验证(仅开发环境)
}

// LifecycleConfig 设备生命周期配置
type LifecycleConfig struct {
	TrialDays                 int
	ActivationPlanDays        int
	RenewalPeriodDays         int
	ActivationCodeMaxAttempts int
	AuthorizerTimeout         time.Duration
	OperationTimeout          time.Duration // 创建、激活、续期等单次操作的上限
	SweepSchedule             string
	SweepTimeout              time.Duration
	SweepLookback             time.Duration
	SweepBackfill             time.Duration
	SweepPageSize             int
	IdempotencyPurgeSchedule  string
}

// AuthConfig 用户令牌和管理员密钥配置
type AuthConfig struct {
	JWTSecret       string
	TokenDuration   time.Duration
	AdminAPIKeyHash string

	ActivationRateLimit  int
	ActivationRateWindow time.Duration
}

// CredentialConfig 本地CA配置，文件不存在时启动时生成
type CredentialConfig struct {
	CACertFile string
	CAKeyFile  string
	CertTTL    time.Duration
	PolicyName string
}

// MessagingConfig 生命周期事件(AMQP)配置
type MessagingConfig struct {
	AMQPURL string
	Queue   string
}

// NATSConfig 遥测接入配置
type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string
	Durable    string
	BatchSize  int
	FetchWait  time.Duration
	MaxDeliver int
}

// PaymentConfig 支付回调配置
type PaymentConfig struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	IdempotencyTTL     time.Duration
}

// LoadConfig 从环境变量加载配置（Fx兼容）
func LoadConfig() (*Config, error) {
	return Load()
}

// Load 从环境变量加载配置，存在 .env 文件时先加载
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "fleet"),
			Password:        getEnv("DB_PASSWORD", "fleet_dev_password"),
			DBName:          getEnv("DB_NAME", "fleet"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", time.Hour),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputPath: getEnv("LOG_OUTPUT", "stdout"),
			Service:    getEnv("SERVICE_NAME", "fleet"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Port:    getEnvAsInt("METRICS_PORT", 9090),
		},
		Email: EmailConfig{
			SMTP: SMTPConfig{
				Host:       getEnv("SMTP_HOST", "localhost"),
				Port:       getEnvAsInt("SMTP_PORT", 587),
				Username:   getEnv("SMTP_USERNAME", ""),
				Password:   getEnv("SMTP_PASSWORD", ""),
				UseTLS:     getEnvAsBool("SMTP_USE_TLS", false),
				SkipVerify: getEnvAsBool("SMTP_SKIP_VERIFY", false),
			},
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@fleet.local"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Fleet Lifecycle"),
			OpsAddress:  getEnv("OPS_EMAIL", ""),
		},
		Lifecycle: LifecycleConfig{
			TrialDays:                 getEnvAsInt("LIFECYCLE_TRIAL_DAYS", 3),
			ActivationPlanDays:        getEnvAsInt("ACTIVATION_PLAN_DAYS", 30),
			RenewalPeriodDays:         getEnvAsInt("RENEWAL_PERIOD_DAYS", 30),
			ActivationCodeMaxAttempts: getEnvAsInt("ACTIVATION_CODE_MAX_ATTEMPTS", 5),
			AuthorizerTimeout:         getEnvAsDuration("AUTHORIZER_TIMEOUT", 2*time.Second),
			OperationTimeout:          getEnvAsDuration("LIFECYCLE_OPERATION_TIMEOUT", 15*time.Second),
			SweepSchedule:             getEnv("LIFECYCLE_SWEEP_SCHEDULE", "@every 30m"),
			SweepTimeout:              getEnvAsDuration("LIFECYCLE_SWEEP_TIMEOUT", 10*time.Minute),
			SweepLookback:             getEnvAsDuration("LIFECYCLE_SWEEP_LOOKBACK", 24*time.Hour),
			SweepBackfill:             getEnvAsDuration("LIFECYCLE_SWEEP_BACKFILL", 720*time.Hour),
			SweepPageSize:             getEnvAsInt("LIFECYCLE_SWEEP_PAGE_SIZE", 100),
			IdempotencyPurgeSchedule:  getEnv("IDEMPOTENCY_PURGE_SCHEDULE", "@every 6h"),
		},
		Auth: AuthConfig{
			JWTSecret:            getEnv("JWT_SECRET", ""),
			TokenDuration:        getEnvAsDuration("JWT_TOKEN_DURATION", 24*time.Hour),
			AdminAPIKeyHash:      getEnv("ADMIN_API_KEY_HASH", ""),
			ActivationRateLimit:  getEnvAsInt("ACTIVATION_RATE_LIMIT", 10),
			ActivationRateWindow: getEnvAsDuration("ACTIVATION_RATE_WINDOW", time.Minute),
		},
		Credential: CredentialConfig{
			CACertFile: getEnv("CA_CERT_FILE", ""),
			CAKeyFile:  getEnv("CA_KEY_FILE", ""),
			CertTTL:    getEnvAsDuration("DEVICE_CERT_TTL", 10*365*24*time.Hour),
			PolicyName: getEnv("DEVICE_POLICY_NAME", "GatewayPolicy"),
		},
		Messaging: MessagingConfig{
			AMQPURL: getEnv("AMQP_URL", ""),
			Queue:   getEnv("AMQP_LIFECYCLE_QUEUE", "device.lifecycle"),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			Stream:     getEnv("NATS_TELEMETRY_STREAM", "TELEMETRY"),
			Subject:    getEnv("NATS_TELEMETRY_SUBJECT", "gateway.*.data.telemetry"),
			Durable:    getEnv("NATS_TELEMETRY_DURABLE", "telemetry-ingestor"),
			BatchSize:  getEnvAsInt("NATS_FETCH_BATCH", 50),
			FetchWait:  getEnvAsDuration("NATS_FETCH_WAIT", 5*time.Second),
			MaxDeliver: getEnvAsInt("NATS_MAX_DELIVER", 5),
		},
		Payment: PaymentConfig{
			WebhookSecret:      getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			SignatureTolerance: getEnvAsDuration("PAYMENT_SIGNATURE_TOLERANCE", 5*time.Minute),
			IdempotencyTTL:     getEnvAsDuration("PAYMENT_IDEMPOTENCY_TTL", 7*24*time.Hour),
		},
	}

	if err := cfg.Lifecycle.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验生命周期参数
func (c *LifecycleConfig) Validate() error {
	if c.TrialDays < 1 || c.TrialDays > 365 {
		return fmt.Errorf("LIFECYCLE_TRIAL_DAYS must be between 1 and 365, got %d", c.TrialDays)
	}
	if c.RenewalPeriodDays < 1 {
		return fmt.Errorf("RENEWAL_PERIOD_DAYS must be positive, got %d", c.RenewalPeriodDays)
	}
	if c.ActivationPlanDays < 1 {
		return fmt.Errorf("ACTIVATION_PLAN_DAYS must be positive, got %d", c.ActivationPlanDays)
	}
	if c.ActivationCodeMaxAttempts < 3 {
		c.ActivationCodeMaxAttempts = 3
	}
	if c.SweepPageSize <= 0 {
		c.SweepPageSize = 100
	}
	return nil
}

// DSN 生成PostgreSQL连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL 生成 golang-migrate 使用的连接串
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// Addr 生成Redis地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// 辅助函数
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
