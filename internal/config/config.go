package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the assistant.
type Config struct {
	TelegramToken    string        `env:"TELEGRAM_TOKEN" env-required:"true"`
	DatabaseURL      string        `env:"DATABASE_URL" env-default:"assistant.db"`
	LogLevel         string        `env:"LOG_LEVEL" env-default:"info"`
	DefaultTimezone  string        `env:"DEFAULT_TIMEZONE" env-default:"Europe/Moscow"`
	DailyReportTime  string        `env:"DAILY_REPORT_TIME" env-default:"22:00"`
	WeeklyReportDay  int           `env:"WEEKLY_REPORT_DAY" env-default:"6"` // 0=Monday .. 6=Sunday
	WeeklyReportTime string        `env:"WEEKLY_REPORT_TIME" env-default:"22:30"`
	SnoozeDelay      time.Duration `env:"SNOOZE_DELAY" env-default:"30m"`
	MaxActiveTasks   int           `env:"MAX_ACTIVE_TASKS" env-default:"10"`
}

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("read env: %w", err)
	}

	// env-required only checks presence; a present-but-empty token would
	// otherwise slip through to the Telegram client.
	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN must not be empty")
	}
	if cfg.WeeklyReportDay < 0 || cfg.WeeklyReportDay > 6 {
		return cfg, fmt.Errorf("WEEKLY_REPORT_DAY must be 0..6, got %d", cfg.WeeklyReportDay)
	}
	if cfg.MaxActiveTasks <= 0 {
		return cfg, fmt.Errorf("MAX_ACTIVE_TASKS must be positive, got %d", cfg.MaxActiveTasks)
	}
	if cfg.SnoozeDelay <= 0 {
		cfg.SnoozeDelay = 30 * time.Minute
	}

	return cfg, nil
}
