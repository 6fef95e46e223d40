package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/service"
)

// Callback-data prefixes. The payload after the prefix is "<defID>:<date>".
const (
	cbDone     = "done:"
	cbSkipTask = "skip:"
	cbSnooze   = "later:"
	cbCheckYes = "cyes:"
	cbCheckNo  = "cno:"
)

// Outbox renders and sends scheduled deliveries: reminders, completion
// checks and reports. It is the only outbound path the core services use.
type Outbox struct {
	api *tgbotapi.BotAPI
}

func NewOutbox(api *tgbotapi.BotAPI) *Outbox {
	return &Outbox{api: api}
}

// SendReminder implements service.Outbox.
func (o *Outbox) SendReminder(ctx context.Context, user model.User, def model.TaskDefinition, date string, flavor service.ReminderFlavor) error {
	var builder strings.Builder
	switch flavor {
	case service.ReminderCatchUp:
		builder.WriteString("🕑 <b>Пропущенное напоминание</b>\n")
	case service.ReminderSnoozed:
		builder.WriteString("🔁 <b>Повторное напоминание</b>\n")
	default:
		builder.WriteString("⏰ <b>Время для задачи!</b>\n")
	}
	builder.WriteString(fmt.Sprintf("📌 %s\n", escape(def.Name)))
	if def.Project != "" {
		builder.WriteString(fmt.Sprintf("🏷 <i>%s</i>\n", escape(def.Project)))
	}
	builder.WriteString(fmt.Sprintf("🗓 %s · %s", date, def.RemindAt))

	ref := occurrenceRef(def.ID, date)
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Готово!", cbDone+ref),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏰ Напомнить позже", cbSnooze+ref),
			tgbotapi.NewInlineKeyboardButtonData("❌ Пропустить", cbSkipTask+ref),
		),
	)
	return o.send(user.TelegramID, builder.String(), markup)
}

// SendCheck implements service.Outbox.
func (o *Outbox) SendCheck(ctx context.Context, user model.User, def model.TaskDefinition, date string) error {
	text := fmt.Sprintf("🔍 <b>Проверка: %s</b>\n🗓 %s\n\nВыполнил(а) ли ты эту задачу?",
		escape(def.Name), date)

	ref := occurrenceRef(def.ID, date)
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Да, выполнено", cbCheckYes+ref),
			tgbotapi.NewInlineKeyboardButtonData("❌ Нет, не успел(а)", cbCheckNo+ref),
		),
	)
	return o.send(user.TelegramID, text, markup)
}

// SendDailyReport implements service.Outbox.
func (o *Outbox) SendDailyReport(ctx context.Context, user model.User, report service.DailyReport) error {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("📊 <b>Отчёт за %s</b>\n\n", report.Date))

	if report.Stats.Total > 0 {
		builder.WriteString(fmt.Sprintf("📈 Прогресс: %s %.1f%%\n\n",
			progressBar(report.Stats.Completed, report.Stats.Total), report.Stats.Rate))
	}
	builder.WriteString(fmt.Sprintf("✅ Выполнено: %d/%d\n", report.Stats.Completed, report.Stats.Total))

	if len(report.Lines) > 0 {
		builder.WriteString("\n📋 <b>Детали:</b>\n")
		for _, line := range report.Lines {
			builder.WriteString(fmt.Sprintf("• %s: %s\n", escape(line.Name), statusGlyph(line.Completed)))
		}
	}

	builder.WriteString("\n" + motivationalMessage(report.Stats.Rate))
	return o.send(user.TelegramID, builder.String(), nil)
}

// SendWeeklyReport implements service.Outbox.
func (o *Outbox) SendWeeklyReport(ctx context.Context, user model.User, report service.WeeklyReport) error {
	var builder strings.Builder
	builder.WriteString("📊 <b>Еженедельный отчёт</b>\n")
	builder.WriteString(fmt.Sprintf("📅 %s — %s\n\n", report.Start, report.End))

	if report.Stats.Total > 0 {
		builder.WriteString(fmt.Sprintf("📈 <b>Общий прогресс:</b> %s %.1f%%\n\n",
			progressBar(report.Stats.Completed, report.Stats.Total), report.Stats.Rate))
	}
	builder.WriteString(fmt.Sprintf("✅ Выполнено: %d/%d\n", report.Stats.Completed, report.Stats.Total))

	if len(report.Days) > 0 {
		builder.WriteString("\n📅 <b>По дням:</b>\n")
		for _, day := range report.Days {
			builder.WriteString(fmt.Sprintf("• %s: %d/%d (%.1f%%)\n",
				weekdayLabel(day.Date), day.Completed, day.Total,
				service.CompletionRate(day.Completed, day.Total)))
		}
	}

	if len(report.Comments) > 0 {
		builder.WriteString("\n💬 <b>Комментарии:</b>\n")
		for _, comment := range report.Comments {
			builder.WriteString(fmt.Sprintf("• %s, %s: %s\n",
				comment.Date, escape(comment.TaskName), escape(comment.Text)))
		}
	}

	builder.WriteString("\n" + motivationalMessage(report.Stats.Rate))
	return o.send(user.TelegramID, builder.String(), nil)
}

func (o *Outbox) send(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(text))
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	_, err := o.api.Send(msg)
	return err
}

func occurrenceRef(defID uint, date string) string {
	return fmt.Sprintf("%d:%s", defID, date)
}

func statusGlyph(completed *bool) string {
	switch {
	case completed == nil:
		return "⏳"
	case *completed:
		return "✅"
	default:
		return "❌"
	}
}

func progressBar(completed, total int) string {
	const length = 10
	if total == 0 {
		return "[" + strings.Repeat("░", length) + "]"
	}
	filled := completed * length / total
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", length-filled) + "]"
}

func motivationalMessage(rate float64) string {
	switch {
	case rate >= 90:
		return "🎉 Отличная работа! Ты на высоте!"
	case rate >= 70:
		return "👍 Хорошая работа! Продолжай в том же духе!"
	case rate >= 50:
		return "💪 Неплохо! Есть к чему стремиться!"
	case rate >= 30:
		return "📈 Есть прогресс! Не сдавайся!"
	default:
		return "🌟 Каждый день — новая возможность!"
	}
}

func weekdayLabel(date string) string {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return model.WeekdayShortName(model.WeekdayIndex(day.Weekday())) + " " + day.Format("02.01")
}

func escape(s string) string {
	return html.EscapeString(s)
}
