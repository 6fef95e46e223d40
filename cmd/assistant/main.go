package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/bot"
	"github.com/r2d2a2a/capsula-assist/internal/config"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
	"github.com/r2d2a2a/capsula-assist/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	dailyAt, err := schedule.ParseTimeOfDay(cfg.DailyReportTime)
	if err != nil {
		logger.Fatal("DAILY_REPORT_TIME", zap.Error(err))
	}
	weeklyAt, err := schedule.ParseTimeOfDay(cfg.WeeklyReportTime)
	if err != nil {
		logger.Fatal("WEEKLY_REPORT_TIME", zap.Error(err))
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	defRepo := repository.NewDefinitionRepository(db)
	occRepo := repository.NewOccurrenceRepository(db)
	reportRepo := repository.NewReportRepository(db)

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		logger.Fatal("bot api", zap.Error(err))
	}
	logger.Info("bot authorized", zap.String("account", api.Self.UserName))

	outbox := bot.NewOutbox(api)
	sched := schedule.NewScheduler(logger)
	delivery := service.NewDeliveryService(occRepo, outbox, logger)
	reports := service.NewReportService(defRepo, occRepo, reportRepo, outbox, logger)
	planner := service.NewPlannerService(defRepo, sched, delivery, reports, service.ReportTimes{
		Daily:      dailyAt,
		WeeklyDay:  cfg.WeeklyReportDay,
		Weekly:     weeklyAt,
		SnoozeWait: cfg.SnoozeDelay,
	}, logger)
	catchup := service.NewCatchUpService(defRepo, occRepo, sched, delivery, logger)
	defSvc := service.NewDefinitionService(defRepo, planner, cfg.MaxActiveTasks)

	telegramBot := bot.New(api, userRepo, occRepo, defSvc, reports, planner, catchup, &cfg, logger)

	// The clock must be running before catch-up one-shots are queued, or a
	// slow startup loop lets their near-immediate instants slip past.
	sched.Start()
	defer sched.Stop()

	// Rebuild every known user's calendar, then catch up today's missed
	// deliveries through the normal one-shot path.
	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	users, err := userRepo.ListAll(startCtx)
	if err != nil {
		cancel()
		logger.Fatal("list users", zap.Error(err))
	}
	for _, user := range users {
		if err := planner.ScheduleUser(startCtx, user); err != nil {
			logger.Warn("schedule user on startup", zap.Uint("user", user.ID), zap.Error(err))
			continue
		}
		if err := catchup.Run(startCtx, user); err != nil {
			logger.Warn("catch-up on startup", zap.Uint("user", user.ID), zap.Error(err))
		}
	}
	cancel()

	logger.Info("assistant started", zap.Int("users", len(users)))
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("bot stopped with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}
