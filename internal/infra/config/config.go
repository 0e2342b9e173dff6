package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		APIID      int    `envconfig:"TG_API_ID"`
		APIHash    string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	AMQPURL   string `envconfig:"AMQP_URL"`

	Queues struct {
		Checks string `envconfig:"CHECK_QUEUE_KEY" default:"post_checks"`
	} `envconfig:""`

	Checks struct {
		Delay         time.Duration `envconfig:"CHECK_DELAY" default:"24h"`
		SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
		MaxRetries    int           `envconfig:"CHECK_MAX_RETRIES" default:"3"`
		Workers       int           `envconfig:"SWEEP_WORKERS" default:"4"`
	} `envconfig:""`

	Thresholds struct {
		ViewsPct     float64 `envconfig:"MIN_VIEWS_PERCENT" default:"10"`
		ReactionsPct float64 `envconfig:"MIN_REACTIONS_PERCENT" default:"6"`
		ForwardsPct  float64 `envconfig:"MIN_FORWARDS_PERCENT" default:"15"`
	} `envconfig:""`

	Notifications struct {
		SuperAdminID  int64         `envconfig:"SUPER_ADMIN_ID"`
		MirrorToOwner bool          `envconfig:"SEND_TO_OWNER" default:"true"`
		Enabled       bool          `envconfig:"NOTIFY_ON_ERRORS" default:"true"`
		DedupTTL      time.Duration `envconfig:"NOTIFY_DEDUP_TTL" default:"48h"`
	} `envconfig:""`

	History struct {
		Retention     time.Duration `envconfig:"HISTORY_RETENTION" default:"168h"`
		PruneInterval time.Duration `envconfig:"HISTORY_PRUNE_INTERVAL" default:"12h"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4-turbo-preview"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения и валидирует его.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("некорректный конфиг: %v", err)
	}
	return cfg
}

// Validate отклоняет неверные значения до запуска конвейера.
func (c AppConfig) Validate() error {
	for name, pct := range map[string]float64{
		"MIN_VIEWS_PERCENT":     c.Thresholds.ViewsPct,
		"MIN_REACTIONS_PERCENT": c.Thresholds.ReactionsPct,
		"MIN_FORWARDS_PERCENT":  c.Thresholds.ForwardsPct,
	} {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%s должен быть в диапазоне (0,100], получено %v", name, pct)
		}
	}
	if c.Checks.MaxRetries < 1 {
		return fmt.Errorf("CHECK_MAX_RETRIES должен быть >= 1, получено %d", c.Checks.MaxRetries)
	}
	if c.Checks.Workers < 1 {
		return fmt.Errorf("SWEEP_WORKERS должен быть >= 1, получено %d", c.Checks.Workers)
	}
	if c.Checks.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL должен быть положительным")
	}
	if c.Checks.Delay < 0 {
		return fmt.Errorf("CHECK_DELAY не может быть отрицательным")
	}
	return nil
}
