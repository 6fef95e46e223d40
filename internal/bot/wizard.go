package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
	"github.com/r2d2a2a/capsula-assist/internal/service"
)

// Wizard stages for defining or editing a task, one question per step.
type wizardStage int

const (
	wizName wizardStage = iota
	wizFrequency
	wizDays
	wizDate
	wizRemindTime
	wizCheckTime
	wizProject
)

const (
	btnDaily  = "Ежедневно"
	btnWeekly = "По дням недели"
	btnOnce   = "Один раз"
	btnSkip   = "⏭️ Пропустить"
	btnCancel = "⏪ Отменить ввод"
)

// wizardState is the per-chat finite-state machine for the definition
// wizard. editDefID is zero when creating a new task.
type wizardState struct {
	stage     wizardStage
	input     service.DefinitionInput
	editDefID uint
}

func (b *Bot) startWizard(ctx context.Context, msg *tgbotapi.Message, editDefID uint) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	state := &wizardState{stage: wizName, editDefID: editDefID}
	if editDefID != 0 {
		def, err := b.defSvc.Get(ctx, *user, editDefID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return b.sendText(msg.Chat.ID, "Задача не найдена.")
			}
			return err
		}
		state.input = service.DefinitionInput{
			Name:       def.Name,
			Recurrence: def.Recurrence,
			Weekdays:   def.Weekdays,
			OnceDate:   def.OnceDate,
			RemindAt:   def.RemindAt,
			CheckAt:    def.CheckAt,
			Project:    def.Project,
		}
	}
	b.setWizard(msg.From.ID, state)

	prompt := "🆕 Создаём новую задачу.\n<b>Шаг 1:</b> как её назвать?"
	if editDefID != 0 {
		prompt = fmt.Sprintf("✏️ Редактируем задачу «%s».\n<b>Шаг 1:</b> новое название?", escape(state.input.Name))
	}
	return b.sendWithReplyMarkup(msg.Chat.ID, prompt, cancelKeyboard())
}

func (b *Bot) handleWizardStep(ctx context.Context, msg *tgbotapi.Message) error {
	state := b.getWizard(msg.From.ID)
	if state == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	switch state.stage {
	case wizName:
		if text == "" {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Название не может быть пустым. Попробуй ещё раз.", cancelKeyboard())
		}
		state.input.Name = text
		state.stage = wizFrequency
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔁 <b>Шаг 2:</b> как часто повторять задачу?", frequencyKeyboard())

	case wizFrequency:
		switch strings.ToLower(text) {
		case strings.ToLower(btnDaily), "ежедневно", "daily":
			state.input.Recurrence = model.RecurDaily
			state.input.Weekdays = model.AllWeekdays
			state.stage = wizRemindTime
			return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ <b>Шаг 3:</b> во сколько напоминать? Формат <code>06:05</code>.", cancelKeyboard())
		case strings.ToLower(btnWeekly), "по дням", "weekly":
			state.input.Recurrence = model.RecurWeekly
			state.stage = wizDays
			return b.sendWithReplyMarkup(msg.Chat.ID, "📆 <b>Шаг 3:</b> в какие дни? Перечисли через запятую: <code>пн, ср, пт</code>.", cancelKeyboard())
		case strings.ToLower(btnOnce), "один раз", "once":
			state.input.Recurrence = model.RecurOnce
			state.stage = wizDate
			return b.sendWithReplyMarkup(msg.Chat.ID, "📆 <b>Шаг 3:</b> на какую дату? Формат <code>2025-11-30</code>.", cancelKeyboard())
		default:
			return b.sendWithReplyMarkup(msg.Chat.ID, "Выбери один из вариантов на клавиатуре.", frequencyKeyboard())
		}

	case wizDays:
		days, err := parseWeekdays(text)
		if err != nil || days.Empty() {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Не понял дни. Пример: <code>пн, ср, пт</code>.", cancelKeyboard())
		}
		state.input.Weekdays = days
		state.stage = wizRemindTime
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ <b>Шаг 4:</b> во сколько напоминать? Формат <code>06:05</code>.", cancelKeyboard())

	case wizDate:
		if _, err := time.Parse(schedule.DateLayout, text); err != nil {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Не могу распознать дату. Формат <code>2025-11-30</code>.", cancelKeyboard())
		}
		state.input.OnceDate = text
		state.stage = wizRemindTime
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ <b>Шаг 4:</b> во сколько напоминать? Формат <code>06:05</code>.", cancelKeyboard())

	case wizRemindTime:
		if _, err := schedule.ParseTimeOfDay(text); err != nil {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Время должно быть в формате <code>HH:MM</code>, например <code>06:05</code>.", cancelKeyboard())
		}
		state.input.RemindAt = text
		state.stage = wizCheckTime
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔍 <b>Следующий шаг:</b> во сколько спросить о выполнении? Формат <code>06:50</code>.", cancelKeyboard())

	case wizCheckTime:
		if _, err := schedule.ParseTimeOfDay(text); err != nil {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Время должно быть в формате <code>HH:MM</code>, например <code>06:50</code>.", cancelKeyboard())
		}
		state.input.CheckAt = text
		state.stage = wizProject
		return b.sendWithReplyMarkup(msg.Chat.ID, "🏷 Укажи проект или цель (или нажми «Пропустить»).", skipKeyboard())

	case wizProject:
		if !isSkipInput(text) {
			state.input.Project = text
		}
		err := b.commitWizard(ctx, msg, state)
		b.clearWizard(msg.From.ID)
		return err

	default:
		b.clearWizard(msg.From.ID)
		return b.sendText(msg.Chat.ID, "Диалог сброшен. Попробуй ещё раз через /newtask.")
	}
}

func (b *Bot) commitWizard(ctx context.Context, msg *tgbotapi.Message, state *wizardState) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	var (
		def     *model.TaskDefinition
		warning string
	)
	if state.editDefID != 0 {
		def, warning, err = b.defSvc.Edit(ctx, *user, state.editDefID, state.input)
	} else {
		def, warning, err = b.defSvc.Create(ctx, *user, state.input)
	}
	if err != nil {
		return b.sendTextWithRemove(msg.Chat.ID, fmt.Sprintf("Не удалось сохранить задачу: %s", escape(err.Error())))
	}

	var summary strings.Builder
	summary.WriteString("✅ <b>Задача сохранена</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>ID:</b> %d\n", def.ID))
	summary.WriteString(fmt.Sprintf("• <b>Название:</b> %s\n", escape(def.Name)))
	switch def.Recurrence {
	case model.RecurOnce:
		summary.WriteString(fmt.Sprintf("• <b>Когда:</b> %s\n", def.OnceDate))
	default:
		summary.WriteString(fmt.Sprintf("• <b>Повтор:</b> %s\n", def.Weekdays.String()))
	}
	summary.WriteString(fmt.Sprintf("• <b>Напоминание:</b> %s\n", def.RemindAt))
	summary.WriteString(fmt.Sprintf("• <b>Проверка:</b> %s\n", def.CheckAt))
	if def.Project != "" {
		summary.WriteString(fmt.Sprintf("• <b>Проект:</b> %s\n", escape(def.Project)))
	}
	if warning != "" {
		summary.WriteString("\n" + warning + "\n")
	}

	b.log.Info("definition saved",
		zap.Uint("def", def.ID),
		zap.Uint("user", user.ID),
	)
	return b.sendTextWithRemove(msg.Chat.ID, strings.TrimSpace(summary.String()))
}

func (b *Bot) sendTextWithRemove(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) setWizard(userID int64, state *wizardState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wizards[userID] = state
}

func (b *Bot) getWizard(userID int64) *wizardState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wizards[userID]
}

func (b *Bot) hasWizard(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.wizards[userID]
	return ok
}

func (b *Bot) clearWizard(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.wizards, userID)
}

var weekdayAliases = map[string]int{
	"пн": 0, "понедельник": 0, "mon": 0,
	"вт": 1, "вторник": 1, "tue": 1,
	"ср": 2, "среда": 2, "wed": 2,
	"чт": 3, "четверг": 3, "thu": 3,
	"пт": 4, "пятница": 4, "fri": 4,
	"сб": 5, "суббота": 5, "sat": 5,
	"вс": 6, "воскресенье": 6, "sun": 6,
}

// parseWeekdays reads a comma- or space-separated weekday list, accepting
// short and full Russian names, English abbreviations and digits 1-7
// (1 = Monday).
func parseWeekdays(text string) (model.WeekdaySet, error) {
	var set model.WeekdaySet
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty weekday list")
	}
	for _, field := range fields {
		if day, ok := weekdayAliases[field]; ok {
			set = set.With(day)
			continue
		}
		if n, err := strconv.Atoi(field); err == nil && n >= 1 && n <= 7 {
			set = set.With(n - 1)
			continue
		}
		return 0, fmt.Errorf("unknown weekday %q", field)
	}
	return set, nil
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancel),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func skipKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnSkip),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancel),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func frequencyKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnDaily),
			tgbotapi.NewKeyboardButton(btnWeekly),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnOnce),
			tgbotapi.NewKeyboardButton(btnCancel),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func isSkipInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == "-" || value == strings.ToLower(btnSkip) || value == "пропустить" || value == "skip"
}

func isCancelInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnCancel) || value == "отменить ввод" || value == "отмена"
}
