package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	AMQPURL   string `envconfig:"AMQP_URL"`

	Queue struct {
		// InsertOffset — после скольких ожидающих вставлять участника без
		// активной записи. Продуктовая политика, не выводимая константа.
		InsertOffset   int           `envconfig:"QUEUE_INSERT_OFFSET" default:"3"`
		RenderThrottle time.Duration `envconfig:"QUEUE_RENDER_THROTTLE" default:"2s"`
	} `envconfig:""`

	Notify struct {
		Backend string `envconfig:"NOTIFY_QUEUE_BACKEND" default:"redis"`
		Key     string `envconfig:"NOTIFY_QUEUE_KEY" default:"notify_jobs"`
	} `envconfig:""`

	// AdminIDs — Telegram ID администраторов, которым доступны мутации
	// очереди из бота и админ-панели.
	AdminIDs []int64 `envconfig:"ADMIN_IDS"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// IsAdmin проверяет пользователя по списку администраторов.
func (c AppConfig) IsAdmin(tgUserID int64) bool {
	for _, id := range c.AdminIDs {
		if id == tgUserID {
			return true
		}
	}
	return false
}
