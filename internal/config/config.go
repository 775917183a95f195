// Package config предоставляет структуры и функции для загрузки конфига клиента
// и dev-бэкенда.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env        string `yaml:"env" env-default:"local"`
	API        `yaml:"api"`
	Activation `yaml:"activation"`
	Storage    `yaml:"storage"`
	Events     `yaml:"events"`
	Backend    `yaml:"backend"`
}

// API настройки HTTP-клиента удалённого бэкенда
type API struct {
	BaseURL    string        `yaml:"base_url" env:"API_BASE_URL" env-default:"http://localhost:5000/api"`
	TimeoutAPI time.Duration `yaml:"timeout" env-default:"15s"`
	RateLimit  float64       `yaml:"rate_limit" env-default:"10"`
	RateBurst  int           `yaml:"rate_burst" env-default:"5"`
}

// Activation параметры протокола подтверждения активации после оплаты
type Activation struct {
	SettleDelay  time.Duration `yaml:"settle_delay" env-default:"3s"`
	PollInterval time.Duration `yaml:"poll_interval" env-default:"2s"`
	MaxAttempts  int           `yaml:"max_attempts" env-default:"5"`
}

// Storage выбирает хранилище сессии: sqlite-файл на устройстве или redis
type Storage struct {
	Driver          string `yaml:"driver" env-default:"sqlite"`
	SQLitePath      string `yaml:"sqlite_path" env-default:"./moviepass.db"`
	RedisConnection `yaml:"redis_connection"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
	KeyPrefix    string        `yaml:"key_prefix" env-default:"moviepass:"`
}

// Events настройки публикации событий сессии в RabbitMQ; пустой URL отключает публикацию
type Events struct {
	RabbitMQURL        string        `yaml:"rabbitmq_url" env:"RABBITMQ_URL"`
	RabbitMQExchange   string        `yaml:"rabbitmq_exchange" env-default:"session-events"`
	RabbitMQMaxRetries int           `yaml:"rabbitmq_max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"rabbitmq_retry_delay" env-default:"2s"`
}

// Backend настройки dev-бэкенда
type Backend struct {
	AddressHTTP   string        `yaml:"addresshttp" env-default:":5000"`
	TimeoutHTTP   time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" env-default:"60s"`
	JWTSecretKey  string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY" env-default:"dev-secret"`
	TokenTTL      time.Duration `yaml:"token_ttl" env-default:"24h"`
	WebhookSecret string        `yaml:"webhook_secret" env:"WEBHOOK_SECRET" env-default:"webhook_secret"`
	WebhookLag    time.Duration `yaml:"webhook_lag" env-default:"4s"`
}

// MustLoad загружает конфиг по пути из CONFIG_PATH и завершает процесс при ошибке
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load читает yaml-конфиг; незаданные поля получают значения по умолчанию
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file: %s - does not exist", path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"API:\n"+
			"  BaseURL: %s\n"+
			"  Timeout: %s\n"+
			"  RateLimit: %.1f/%d\n"+
			"Activation:\n"+
			"  SettleDelay: %s\n"+
			"  PollInterval: %s\n"+
			"  MaxAttempts: %d\n"+
			"Storage:\n"+
			"  Driver: %s\n"+
			"  SQLitePath: %s\n"+
			"  RedisAddr: %s\n"+
			"Events:\n"+
			"  Exchange: %s\n",
		c.Env,
		c.BaseURL,
		c.TimeoutAPI,
		c.RateLimit,
		c.RateBurst,
		c.SettleDelay,
		c.PollInterval,
		c.MaxAttempts,
		c.Driver,
		c.SQLitePath,
		c.AddressRedis,
		c.RabbitMQExchange,
	)
}
