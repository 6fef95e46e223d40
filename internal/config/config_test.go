package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.TelegramToken)
	assert.Equal(t, "assistant.db", cfg.DatabaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "Europe/Moscow", cfg.DefaultTimezone)
	assert.Equal(t, "22:00", cfg.DailyReportTime)
	assert.Equal(t, 6, cfg.WeeklyReportDay)
	assert.Equal(t, "22:30", cfg.WeeklyReportTime)
	assert.Equal(t, 30*time.Minute, cfg.SnoozeDelay)
	assert.Equal(t, 10, cfg.MaxActiveTasks)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("SNOOZE_DELAY", "15m")
	t.Setenv("MAX_ACTIVE_TASKS", "3")
	t.Setenv("WEEKLY_REPORT_DAY", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.SnoozeDelay)
	assert.Equal(t, 3, cfg.MaxActiveTasks)
	assert.Equal(t, 0, cfg.WeeklyReportDay)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	t.Setenv("WEEKLY_REPORT_DAY", "7")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("WEEKLY_REPORT_DAY", "6")
	t.Setenv("MAX_ACTIVE_TASKS", "0")
	_, err = Load()
	assert.Error(t, err)
}
