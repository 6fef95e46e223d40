package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/r2d2a2a/capsula-assist/internal/config"
	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
	"github.com/r2d2a2a/capsula-assist/internal/service"
)

const cbDelete = "del:"

// Bot aggregates the Telegram API with the core services: inbound command
// parsing, the definition wizard and callback handling live here, outbound
// scheduled deliveries in Outbox.
type Bot struct {
	api     *tgbotapi.BotAPI
	users   *repository.UserRepository
	occs    *repository.OccurrenceRepository
	defSvc  *service.DefinitionService
	reports *service.ReportService
	planner *service.PlannerService
	catchup *service.CatchUpService
	cfg     *config.Config
	log     *zap.Logger

	mu       sync.Mutex
	wizards  map[int64]*wizardState
	comments map[int64]repository.OccurrenceKey
}

func New(api *tgbotapi.BotAPI, users *repository.UserRepository, occs *repository.OccurrenceRepository, defSvc *service.DefinitionService, reports *service.ReportService, planner *service.PlannerService, catchup *service.CatchUpService, cfg *config.Config, log *zap.Logger) *Bot {
	return &Bot{
		api:      api,
		users:    users,
		occs:     occs,
		defSvc:   defSvc,
		reports:  reports,
		planner:  planner,
		catchup:  catchup,
		cfg:      cfg,
		log:      log,
		wizards:  make(map[int64]*wizardState),
		comments: make(map[int64]repository.OccurrenceKey),
	}
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info("start polling updates", zap.String("account", b.api.Self.UserName))

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				b.log.Warn("handle callback", zap.Error(err))
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				b.log.Warn("handle message", zap.Error(err))
			}
		}
	}

	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if !msg.IsCommand() && isCancelInput(msg.Text) {
		b.clearWizard(msg.From.ID)
		b.clearCommentPrompt(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Ввод отменён.")
	}

	if msg.IsCommand() {
		b.log.Info("command",
			zap.Int64("from", msg.From.ID),
			zap.String("command", msg.Command()))
		return b.handleCommand(ctx, msg)
	}

	if b.hasWizard(msg.From.ID) {
		return b.handleWizardStep(ctx, msg)
	}

	if key, ok := b.takeCommentPrompt(msg.From.ID); ok {
		if err := b.occs.SetComment(ctx, key, strings.TrimSpace(msg.Text)); err != nil {
			return b.sendText(msg.Chat.ID, "Не удалось сохранить комментарий, попробуй ещё раз.")
		}
		return b.sendText(msg.Chat.ID, "💬 Комментарий сохранён.")
	}

	return b.sendText(msg.Chat.ID, "Я пока не понял сообщение. Набери /newtask, чтобы добавить задачу, или /help для списка команд.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "newtask":
		return b.startWizard(ctx, msg, 0)
	case "tasks":
		return b.handleListTasks(ctx, msg)
	case "edit":
		return b.handleEdit(ctx, msg)
	case "delete":
		return b.handleDelete(ctx, msg)
	case "today":
		return b.handleToday(ctx, msg)
	case "stats":
		return b.handleStats(ctx, msg)
	case "report":
		return b.handleReport(ctx, msg)
	case "week":
		return b.handleWeek(ctx, msg)
	case "timezone":
		return b.handleTimezone(ctx, msg)
	case "start_bot":
		return b.handleStartBot(ctx, msg)
	case "stop_bot":
		return b.handleStopBot(ctx, msg)
	case "cancel":
		b.clearWizard(msg.From.ID)
		b.clearCommentPrompt(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Ввод отменён.")
	default:
		return b.sendText(msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	// Activation doubles as catch-up for anything missed today.
	if err := b.planner.ScheduleUser(ctx, *user); err != nil {
		b.log.Warn("schedule user", zap.Uint("user", user.ID), zap.Error(err))
	}
	if err := b.catchup.Run(ctx, *user); err != nil {
		b.log.Warn("catch-up", zap.Uint("user", user.ID), zap.Error(err))
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}

	text := fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я персональный ассистент задач: напомню, проверю и посчитаю статистику.</b>\n\nКоманды:\n"+
			"• /newtask — добавить задачу\n"+
			"• /tasks — список задач\n"+
			"• /today — задачи на сегодня\n"+
			"• /stats — статистика за сегодня\n"+
			"• /report — отчёт за сегодня\n"+
			"• /week — отчёт за неделю\n"+
			"• /timezone — часовой пояс\n"+
			"• /help — подсказки",
		escape(name),
	)
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Подсказки</b>\n" +
		"• /newtask — добавить задачу пошагово\n" +
		"• /tasks — показать задачи, отредактировать или удалить\n" +
		"• /edit &lt;id&gt; — изменить задачу\n" +
		"• /delete &lt;id&gt; — удалить задачу\n" +
		"• /today — задачи на сегодня со статусами\n" +
		"• /stats — статистика за сегодня\n" +
		"• /report — отчёт за сегодня\n" +
		"• /week — отчёт за неделю\n" +
		"• /timezone &lt;зона&gt; — например <code>Europe/Moscow</code> или <code>offset:180</code>\n" +
		"• /start_bot — включить напоминания\n" +
		"• /stop_bot — выключить напоминания\n" +
		"• /cancel — отменить текущий ввод"
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleListTasks(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	defs, err := b.defSvc.ListActive(ctx, *user)
	if err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось получить задачи.")
	}
	if len(defs) == 0 {
		return b.sendText(msg.Chat.ID, "У тебя нет активных задач. Добавь новую через /newtask.")
	}

	var builder strings.Builder
	builder.WriteString("📋 <b>Твои задачи</b>\n\n")
	var buttons [][]tgbotapi.InlineKeyboardButton
	for _, def := range defs {
		builder.WriteString(formatDefinition(def))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("🗑 #%d · %s", def.ID, shortTitle(def.Name, 20)),
				fmt.Sprintf("%s%d", cbDelete, def.ID)),
		))
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, strings.TrimSpace(builder.String()))
	reply.ParseMode = tgbotapi.ModeHTML
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	_, err = b.api.Send(reply)
	return err
}

func (b *Bot) handleEdit(ctx context.Context, msg *tgbotapi.Message) error {
	defID, err := parseIDArgument(msg.CommandArguments())
	if err != nil {
		return b.sendText(msg.Chat.ID, "Укажи ID задачи: /edit 3")
	}
	return b.startWizard(ctx, msg, defID)
}

func (b *Bot) handleDelete(ctx context.Context, msg *tgbotapi.Message) error {
	defID, err := parseIDArgument(msg.CommandArguments())
	if err != nil {
		return b.sendText(msg.Chat.ID, "Укажи ID задачи: /delete 3")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	def, err := b.defSvc.Deactivate(ctx, *user, defID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(msg.Chat.ID, "Задача не найдена.")
		}
		return b.sendText(msg.Chat.ID, "Не удалось удалить задачу.")
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🗑 Задача «%s» удалена. История выполнения сохранена для отчётов.", escape(def.Name)))
}

func (b *Bot) handleToday(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	loc := b.userLocation(*user)
	now := time.Now().In(loc)
	date := now.Format(schedule.DateLayout)

	defs, err := b.defSvc.ListActive(ctx, *user)
	if err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось получить задачи.")
	}

	occs, err := b.occs.ListForDate(ctx, user.ID, date)
	if err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось получить статусы задач.")
	}
	status := make(map[uint]*bool)
	for _, occ := range occs {
		status[occ.DefinitionID] = occ.Completed
	}

	var scheduled []model.TaskDefinition
	for _, def := range defs {
		if schedule.OccursOn(def, now, loc) {
			scheduled = append(scheduled, def)
		}
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("📅 <b>%s, %s</b>\n\n",
		model.WeekdayShortName(model.WeekdayIndex(now.Weekday())), now.Format("02.01")))
	if len(scheduled) == 0 {
		builder.WriteString("🎉 На сегодня задач по расписанию нет.")
	} else {
		builder.WriteString("📋 <b>Твои задачи:</b>\n")
		for _, def := range scheduled {
			builder.WriteString(fmt.Sprintf("• %s (%s): %s\n",
				escape(def.Name), def.RemindAt, statusGlyph(status[def.ID])))
		}
	}
	return b.sendText(msg.Chat.ID, builder.String())
}

func (b *Bot) handleStats(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	date := time.Now().In(b.userLocation(*user)).Format(schedule.DateLayout)
	stats, err := b.reports.Stats(ctx, user.ID, date, date)
	if err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось посчитать статистику.")
	}

	var builder strings.Builder
	builder.WriteString("📊 <b>Твоя статистика на сегодня</b>\n\n")
	if stats.Total > 0 {
		builder.WriteString(fmt.Sprintf("📈 Прогресс: %s %.1f%%\n\n", progressBar(stats.Completed, stats.Total), stats.Rate))
		builder.WriteString(fmt.Sprintf("✅ Выполнено: %d/%d\n\n", stats.Completed, stats.Total))
		builder.WriteString(motivationalMessage(stats.Rate))
	} else {
		builder.WriteString("🎯 Пока нет данных за сегодня.\nНачни выполнять задачи, и статистика появится!")
	}
	return b.sendText(msg.Chat.ID, builder.String())
}

func (b *Bot) handleReport(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if err := b.reports.SendDaily(ctx, *user, time.Now()); err != nil {
		b.log.Warn("on-demand daily report", zap.Uint("user", user.ID), zap.Error(err))
		return b.sendText(msg.Chat.ID, "Не удалось сформировать отчёт.")
	}
	return nil
}

func (b *Bot) handleWeek(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if err := b.reports.SendWeekly(ctx, *user, time.Now()); err != nil {
		b.log.Warn("on-demand weekly report", zap.Uint("user", user.ID), zap.Error(err))
		return b.sendText(msg.Chat.ID, "Не удалось сформировать отчёт.")
	}
	return nil
}

func (b *Bot) handleTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		return b.sendText(msg.Chat.ID, fmt.Sprintf(
			"Текущий часовой пояс: <code>%s</code>.\nЧтобы изменить: /timezone Europe/Moscow или /timezone offset:180",
			escape(user.Timezone)))
	}

	if _, err := schedule.ParseTimezone(arg); err != nil {
		return b.sendText(msg.Chat.ID, "Не понял часовой пояс. Примеры: <code>Europe/Moscow</code>, <code>offset:180</code>.")
	}

	if err := b.users.SetTimezone(ctx, user.ID, arg); err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось сохранить часовой пояс.")
	}
	user.Timezone = arg

	// All of the user's rules depend on the zone: rebuild from scratch.
	b.planner.DisableUser(*user)
	if err := b.planner.ScheduleUser(ctx, *user); err != nil {
		b.log.Warn("reschedule after timezone change", zap.Uint("user", user.ID), zap.Error(err))
	}
	if err := b.catchup.Run(ctx, *user); err != nil {
		b.log.Warn("catch-up after timezone change", zap.Uint("user", user.ID), zap.Error(err))
	}

	return b.sendText(msg.Chat.ID, fmt.Sprintf("🌍 Часовой пояс обновлён: <code>%s</code>.", escape(arg)))
}

func (b *Bot) handleStartBot(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if err := b.users.SetRemindersOn(ctx, user.ID, true); err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось включить напоминания.")
	}
	user.RemindersOn = true

	if err := b.planner.ScheduleUser(ctx, *user); err != nil {
		b.log.Warn("schedule user", zap.Uint("user", user.ID), zap.Error(err))
	}
	if err := b.catchup.Run(ctx, *user); err != nil {
		b.log.Warn("catch-up", zap.Uint("user", user.ID), zap.Error(err))
	}
	return b.sendText(msg.Chat.ID, "🤖 <b>Напоминания включены!</b>\nПропущенное за сегодня сейчас догоню.")
}

func (b *Bot) handleStopBot(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if err := b.users.SetRemindersOn(ctx, user.ID, false); err != nil {
		return b.sendText(msg.Chat.ID, "Не удалось выключить напоминания.")
	}
	b.planner.DisableUser(*user)
	return b.sendText(msg.Chat.ID, "⏹️ <b>Напоминания выключены.</b>\nВернуть: /start_bot")
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Warn("callback ack", zap.Error(err))
	}

	data := cb.Data
	chatID := cb.Message.Chat.ID

	user, err := b.ensureUser(ctx, cb.From)
	if err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(data, cbDone):
		return b.recordCompletion(ctx, chatID, *user, strings.TrimPrefix(data, cbDone), true)
	case strings.HasPrefix(data, cbCheckYes):
		return b.recordCompletion(ctx, chatID, *user, strings.TrimPrefix(data, cbCheckYes), true)
	case strings.HasPrefix(data, cbSkipTask):
		return b.recordCompletion(ctx, chatID, *user, strings.TrimPrefix(data, cbSkipTask), false)
	case strings.HasPrefix(data, cbCheckNo):
		return b.recordCompletion(ctx, chatID, *user, strings.TrimPrefix(data, cbCheckNo), false)
	case strings.HasPrefix(data, cbSnooze):
		return b.snoozeReminder(ctx, chatID, *user, strings.TrimPrefix(data, cbSnooze))
	case strings.HasPrefix(data, cbDelete):
		defID, err := parseIDArgument(strings.TrimPrefix(data, cbDelete))
		if err != nil {
			return nil
		}
		def, err := b.defSvc.Deactivate(ctx, *user, defID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return b.sendText(chatID, "Задача не найдена или уже удалена.")
			}
			return b.sendText(chatID, "Не удалось удалить задачу.")
		}
		return b.sendText(chatID, fmt.Sprintf("🗑 Задача «%s» удалена.", escape(def.Name)))
	default:
		return nil
	}
}

func (b *Bot) recordCompletion(ctx context.Context, chatID int64, user model.User, ref string, completed bool) error {
	defID, date, err := parseOccurrenceRef(ref)
	if err != nil {
		return nil
	}

	def, err := b.defSvc.Get(ctx, user, defID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(chatID, "Задача не найдена.")
		}
		return err
	}

	key := repository.OccurrenceKey{UserID: user.ID, DefinitionID: defID, Date: date}
	if err := b.occs.SetCompleted(ctx, key, completed, time.Now()); err != nil {
		b.log.Warn("record completion", zap.Uint("def", defID), zap.Error(err))
		return b.sendText(chatID, "Не удалось сохранить ответ, попробуй ещё раз.")
	}

	b.setCommentPrompt(user.TelegramID, key)
	if completed {
		return b.sendText(chatID, fmt.Sprintf("✅ Отлично! «%s» выполнена.\n💪 Продолжай в том же духе!\n\n💬 Можешь добавить комментарий одним сообщением.", escape(def.Name)))
	}
	return b.sendText(chatID, fmt.Sprintf("❌ Понятно, «%s» не выполнена.\n🌟 Завтра будет новый день!\n\n💬 Можешь добавить комментарий одним сообщением.", escape(def.Name)))
}

func (b *Bot) snoozeReminder(ctx context.Context, chatID int64, user model.User, ref string) error {
	defID, date, err := parseOccurrenceRef(ref)
	if err != nil {
		return nil
	}

	def, err := b.defSvc.Get(ctx, user, defID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(chatID, "Задача не найдена.")
		}
		return err
	}

	at := b.planner.Snooze(user, *def, date)
	return b.sendText(chatID, fmt.Sprintf("⏰ Хорошо, напомню про «%s» в %s.",
		escape(def.Name), at.In(b.userLocation(user)).Format("15:04")))
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.users.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.UserName, b.cfg.DefaultTimezone)
}

func (b *Bot) userLocation(user model.User) *time.Location {
	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(text))
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) setCommentPrompt(userID int64, key repository.OccurrenceKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comments[userID] = key
}

func (b *Bot) takeCommentPrompt(userID int64) (repository.OccurrenceKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.comments[userID]
	if ok {
		delete(b.comments, userID)
	}
	return key, ok
}

func (b *Bot) clearCommentPrompt(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.comments, userID)
}

func parseIDArgument(raw string) (uint, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(value), nil
}

// parseOccurrenceRef splits the "<defID>:<date>" payload of a callback.
func parseOccurrenceRef(ref string) (uint, string, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed occurrence ref %q", ref)
	}
	defID, err := parseIDArgument(parts[0])
	if err != nil {
		return 0, "", err
	}
	if _, err := time.Parse(schedule.DateLayout, parts[1]); err != nil {
		return 0, "", fmt.Errorf("malformed date in ref %q", ref)
	}
	return defID, parts[1], nil
}

func formatDefinition(def model.TaskDefinition) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🟢 <b>#%d</b> %s\n", def.ID, escape(def.Name)))
	switch def.Recurrence {
	case model.RecurOnce:
		builder.WriteString(fmt.Sprintf("   📆 Один раз: %s\n", def.OnceDate))
	default:
		builder.WriteString(fmt.Sprintf("   🔄 %s\n", def.Weekdays.String()))
	}
	builder.WriteString(fmt.Sprintf("   ⏰ Напоминание %s · проверка %s\n", def.RemindAt, def.CheckAt))
	if def.Project != "" {
		builder.WriteString(fmt.Sprintf("   🏷 %s\n", escape(def.Project)))
	}
	builder.WriteByte('\n')
	return builder.String()
}

func shortTitle(title string, maxLen int) string {
	clean := strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
	runes := []rune(clean)
	if len(runes) <= maxLen {
		return clean
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}
