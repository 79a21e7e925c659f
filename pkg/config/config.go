package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"` // ops endpoint: /healthz, /metrics
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// DSN returns the gorm/pgx connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port)
}

// URL returns the connection URL understood by golang-migrate.
func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// LedgerConfig holds the engine policy knobs.
type LedgerConfig struct {
	SystemAccountID    string        `mapstructure:"system_account_id"` // 系统发起的充值/还款的默认身份
	CreditPayoffDelay  time.Duration `mapstructure:"credit_payoff_delay"`
	PaymentDuePeriod   time.Duration `mapstructure:"payment_due_period"`
	TriggerDelay       time.Duration `mapstructure:"trigger_delay"`
	StatusCheckBackoff time.Duration `mapstructure:"status_check_backoff"`
	MaxStatusChecks    int           `mapstructure:"max_status_checks"`
	PayoffRetryDelay   time.Duration `mapstructure:"payoff_retry_delay"`
}

// WorkerConfig controls the lease scheduler of one worker process.
type WorkerConfig struct {
	ID              string        `mapstructure:"id"`
	Algorithms      []string      `mapstructure:"algorithms"`
	LeaseExpiration time.Duration `mapstructure:"lease_expiration"`
	RescheduleDelay time.Duration `mapstructure:"reschedule_delay"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	Concurrency     int           `mapstructure:"concurrency"`
}

type GatewaysConfig struct {
	Simulated SimulatedGatewayConfig `mapstructure:"simulated"`
}

// SimulatedGatewayConfig configures the in-process gateway used when no real
// processor is wired (模拟模式).
type SimulatedGatewayConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	FeeAccountID  string   `mapstructure:"fee_account_id"`
	FeeRate       string   `mapstructure:"fee_rate"`
	DeclineTokens []string `mapstructure:"decline_tokens"`
}

var Global Config

// Init loads the configuration into Global and exits on malformed files.
func Init() {
	cfg, err := Load("")
	if err != nil {
		log.Fatalf("Fatal error config file: %s \n", err)
	}
	Global = *cfg
	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// Load reads config.yaml (or the explicit path), environment overrides and
// defaults into a fresh Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Printf("Warning: Config file not found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.http_port", "9090")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "ledger_user")
	v.SetDefault("db.password", "ledger_password")
	v.SetDefault("db.name", "ledger_db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mq_type", "redis")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("ledger.system_account_id", "urn:ledger:authority")
	v.SetDefault("ledger.credit_payoff_delay", "1h")
	v.SetDefault("ledger.payment_due_period", "720h")
	v.SetDefault("ledger.trigger_delay", "1m")
	v.SetDefault("ledger.status_check_backoff", "5m")
	v.SetDefault("ledger.max_status_checks", 20)
	v.SetDefault("ledger.payoff_retry_delay", "24h")

	v.SetDefault("worker.algorithms", []string{"settle", "void", "credit-payoff"})
	v.SetDefault("worker.lease_expiration", "10m")
	v.SetDefault("worker.reschedule_delay", "30s")
	v.SetDefault("worker.stale_after", "15m")
	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("gateways.simulated.enabled", true)
	v.SetDefault("gateways.simulated.fee_rate", "0")
}
