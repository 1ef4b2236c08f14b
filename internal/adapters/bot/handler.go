package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"halaqa-bot/internal/adapters/telegram"
	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/metrics"
	"halaqa-bot/internal/usecase/queue"
	"halaqa-bot/internal/usecase/session"
)

// sessionTypePresets — варианты типа выхода, предлагаемые после завершения.
var sessionTypePresets = []string{"تلاوة", "حفظ", "مراجعة", "تفسير"}

// Handler обслуживает вебхук бота в группах халяки.
type Handler struct {
	bot            *tgbotapi.BotAPI
	log            zerolog.Logger
	queueUC        *queue.Service
	sessionUC      *session.Service
	identities     domain.IdentityRepo
	jobs           domain.NotifyQueue
	cache          domain.Cache
	isAdmin        func(tgUserID int64) bool
	renderThrottle time.Duration
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, queueUC *queue.Service, sessionUC *session.Service, identities domain.IdentityRepo, jobs domain.NotifyQueue, cache domain.Cache, isAdmin func(int64) bool, renderThrottle time.Duration) *Handler {
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Handler{
		bot:            bot,
		log:            log,
		queueUC:        queueUC,
		sessionUC:      sessionUC,
		identities:     identities,
		jobs:           jobs,
		cache:          cache,
		isAdmin:        isAdmin,
		renderThrottle: renderThrottle,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	postID := postIDFromMessage(msg)

	if !strings.HasPrefix(text, "/") {
		if postID != 0 {
			h.handleJoin(ctx, msg, postID, text)
		}
		return
	}

	command, payload := text, ""
	if idx := strings.IndexAny(text, " \n"); idx > 0 {
		command, payload = text[:idx], strings.TrimSpace(text[idx+1:])
	}
	if idx := strings.Index(command, "@"); idx > 0 {
		command = command[:idx]
	}

	switch command {
	case "/start", "/help":
		h.reply(msg.Chat.ID, h.buildHelpMessage(), nil)
	case "/list":
		if postID == 0 {
			h.reply(msg.Chat.ID, "أرسل الأمر داخل موضوع الحلقة", nil)
			return
		}
		h.renderQueue(ctx, msg.Chat.ID, postID)
	case "/new_session":
		h.handleNewSession(ctx, msg, postID, payload, true)
	case "/new_session_fresh":
		h.handleNewSession(ctx, msg, postID, payload, false)
	case "/teacher":
		h.handleTeacher(ctx, msg, postID, payload)
	default:
		h.reply(msg.Chat.ID, "أمر غير معروف. استخدم /help", nil)
	}
}

// handleJoin записывает участника в очередь текущей сессии. Обычное
// сообщение в ветке поста и есть заявка на выход.
func (h *Handler) handleJoin(ctx context.Context, msg *tgbotapi.Message, postID int64, text string) {
	participant := domain.Participant{
		UserID:       msg.From.ID,
		TelegramName: telegramName(msg.From),
		Username:     msg.From.UserName,
		DetectedName: detectName(text),
	}
	if err := h.identities.UpsertParticipant(ctx, participant); err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось сохранить идентичность участника")
	}

	_, added, err := h.queueUC.AddUser(ctx, msg.Chat.ID, postID, msg.From.ID, 0)
	if err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось добавить участника в очередь")
		h.reply(msg.Chat.ID, "تعذّرت الإضافة إلى القائمة، حاول لاحقاً", nil)
		return
	}
	if !added {
		// уже ждёт своей очереди, повторное сообщение не дублирует запись
		return
	}
	h.renderQueueThrottled(ctx, msg.Chat.ID, postID)
}

func (h *Handler) handleNewSession(ctx context.Context, msg *tgbotapi.Message, postID int64, teacherName string, carryOver bool) {
	if !h.isAdmin(msg.From.ID) {
		h.reply(msg.Chat.ID, "هذا الأمر للمشرفين فقط", nil)
		return
	}
	if postID == 0 {
		h.reply(msg.Chat.ID, "أرسل الأمر داخل موضوع الحلقة", nil)
		return
	}
	newSession, err := h.sessionUC.StartNewSession(ctx, msg.Chat.ID, postID, teacherName, carryOver)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось открыть новую сессию")
		h.reply(msg.Chat.ID, "تعذّر فتح جلسة جديدة، حاول لاحقاً", nil)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("🆕 فُتحت الجلسة رقم %d", newSession.SessionNumber), nil)
	h.renderQueue(ctx, msg.Chat.ID, postID)
}

func (h *Handler) handleTeacher(ctx context.Context, msg *tgbotapi.Message, postID int64, teacherName string) {
	if !h.isAdmin(msg.From.ID) {
		h.reply(msg.Chat.ID, "هذا الأمر للمشرفين فقط", nil)
		return
	}
	if postID == 0 {
		h.reply(msg.Chat.ID, "أرسل الأمر داخل موضوع الحلقة", nil)
		return
	}
	if teacherName == "" {
		h.reply(msg.Chat.ID, "اكتب اسم الشيخ بعد الأمر: ‎/teacher الشيخ أحمد", nil)
		return
	}
	if _, err := h.sessionUC.UpdateTeacher(ctx, msg.Chat.ID, postID, 0, teacherName); err != nil {
		if errors.Is(err, domain.ErrInvalidOperation) {
			h.reply(msg.Chat.ID, "اسم غير صالح", nil)
			return
		}
		h.log.Error().Err(err).Msg("не удалось сохранить имя преподавателя")
		h.reply(msg.Chat.ID, "تعذّر حفظ اسم الشيخ", nil)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("👳 شيخ الجلسة: %s", teacherName), nil)
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	postID := postIDFromMessage(cb.Message)
	data := cb.Data

	if !h.isAdmin(cb.From.ID) {
		h.answerCallback(cb, "هذا الإجراء للمشرفين فقط")
		return
	}

	switch {
	case data == "refresh":
		h.renderQueue(ctx, chatID, postID)
	case strings.HasPrefix(data, "done:"):
		entryID := parseEntryID(data, 2)
		h.reply(chatID, "اختر نوع الجلسة:", sessionTypeKeyboard(entryID))
	case strings.HasPrefix(data, "type:"):
		h.handleComplete(ctx, chatID, postID, data)
	case strings.HasPrefix(data, "skip:"):
		entryID := parseEntryID(data, 2)
		if err := h.queueUC.SkipTurn(ctx, entryID); err != nil {
			h.replyError(chatID, err)
			break
		}
		h.notifyNext(ctx, chatID, postID, domain.NotifyCauseTurnSkipped)
		h.renderQueue(ctx, chatID, postID)
	case strings.HasPrefix(data, "remove:"):
		entryID := parseEntryID(data, 2)
		if err := h.queueUC.RemoveEntry(ctx, entryID); err != nil {
			h.replyError(chatID, err)
			break
		}
		h.renderQueue(ctx, chatID, postID)
	case strings.HasPrefix(data, "toend:"):
		entryID := parseEntryID(data, 2)
		if err := h.queueUC.MoveToEnd(ctx, entryID); err != nil {
			h.replyError(chatID, err)
			break
		}
		h.renderQueue(ctx, chatID, postID)
	}
	h.answerCallback(cb, "")
}

func (h *Handler) handleComplete(ctx context.Context, chatID, postID int64, data string) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return
	}
	entryID, _ := strconv.ParseInt(parts[1], 10, 64)
	sessionType, err := url.QueryUnescape(parts[2])
	if err != nil || strings.TrimSpace(sessionType) == "" {
		h.reply(chatID, "نوع جلسة غير صالح", nil)
		return
	}
	if err := h.queueUC.CompleteTurn(ctx, entryID, sessionType); err != nil {
		h.replyError(chatID, err)
		return
	}
	h.notifyNext(ctx, chatID, postID, domain.NotifyCauseTurnCompleted)
	h.renderQueue(ctx, chatID, postID)
}

// notifyNext ставит задачу уведомления участнику, оказавшемуся первым
// после завершения или пропуска выхода.
func (h *Handler) notifyNext(ctx context.Context, chatID, postID int64, cause domain.NotifyCause) {
	turnQueue, err := h.queueUC.GetQueue(ctx, chatID, postID, 0)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось получить очередь для уведомления")
		return
	}
	if len(turnQueue.ActiveUsers) == 0 {
		return
	}
	next := turnQueue.ActiveUsers[0]
	job := domain.NotifyJob{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		PostID:        postID,
		SessionNumber: turnQueue.SessionNumber,
		UserID:        next.Entry.UserID,
		EntryID:       next.Entry.ID,
		Cause:         cause,
		RequestedAt:   time.Now().UTC(),
	}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.log.Error().Err(err).Int64("user", next.Entry.UserID).Msg("не удалось поставить задачу уведомления")
		return
	}
	metrics.IncNotifyJob(string(cause))
}

// renderQueueThrottled схлопывает серию подряд идущих заявок в один рендер.
func (h *Handler) renderQueueThrottled(ctx context.Context, chatID, postID int64) {
	key := fmt.Sprintf("queue_render:%d:%d", chatID, postID)
	err := h.cache.Once(key, h.renderThrottle, func() error {
		h.renderQueue(ctx, chatID, postID)
		return nil
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("рендер очереди пропущен")
	}
}

func (h *Handler) renderQueue(ctx context.Context, chatID, postID int64) {
	turnQueue, err := h.queueUC.GetQueue(ctx, chatID, postID, 0)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось получить очередь")
		h.reply(chatID, "تعذّر عرض القائمة، حاول لاحقاً", nil)
		return
	}
	h.replyInThread(chatID, postID, renderTurnQueue(turnQueue), queueKeyboard(turnQueue))
}

func renderTurnQueue(turnQueue domain.TurnQueue) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📋 قائمة الدور — الجلسة %d\n", turnQueue.SessionNumber))
	if turnQueue.TeacherName != "" {
		b.WriteString(fmt.Sprintf("👳 الشيخ: %s\n", turnQueue.TeacherName))
	}
	b.WriteString("\n")
	if len(turnQueue.ActiveUsers) == 0 {
		b.WriteString("القائمة فارغة، اكتب رسالة في الموضوع للانضمام\n")
	}
	for _, user := range turnQueue.ActiveUsers {
		line := fmt.Sprintf("%d. %s", user.Entry.Position, displayLabel(user))
		if user.Entry.CarriedOver {
			line += " ↩"
		}
		if user.Entry.Notes != "" {
			line += fmt.Sprintf(" — %s", user.Entry.Notes)
		}
		b.WriteString(line + "\n")
	}
	if len(turnQueue.CompletedUsers) > 0 {
		b.WriteString("\nالمنتهون:\n")
		for _, user := range turnQueue.CompletedUsers {
			line := fmt.Sprintf("✅ %s", displayLabel(user))
			if user.Entry.SessionType != "" {
				line += fmt.Sprintf(" — %s", user.Entry.SessionType)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func displayLabel(user domain.QueueUser) string {
	name := user.DisplayName
	if name == "" {
		name = fmt.Sprintf("مشارك %d", user.Entry.UserID)
	}
	if user.Username != "" {
		name += " (@" + user.Username + ")"
	}
	return name
}

func queueKeyboard(turnQueue domain.TurnQueue) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(turnQueue.ActiveUsers)+1)
	for _, user := range turnQueue.ActiveUsers {
		name := user.DisplayName
		if name == "" {
			name = strconv.FormatInt(user.Entry.UserID, 10)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("✅ %s", name), fmt.Sprintf("done:%d", user.Entry.ID)),
			tgbotapi.NewInlineKeyboardButtonData("⏭", fmt.Sprintf("skip:%d", user.Entry.ID)),
			tgbotapi.NewInlineKeyboardButtonData("⬇", fmt.Sprintf("toend:%d", user.Entry.ID)),
			tgbotapi.NewInlineKeyboardButtonData("🗑", fmt.Sprintf("remove:%d", user.Entry.ID)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔄 تحديث", "refresh"),
	))
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func sessionTypeKeyboard(entryID int64) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(sessionTypePresets))
	for _, preset := range sessionTypePresets {
		encoded := url.QueryEscape(preset)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(preset, fmt.Sprintf("type:%d:%s", entryID, encoded)),
		))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func (h *Handler) replyError(chatID int64, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.reply(chatID, "السجل غير موجود، حدّث القائمة", nil)
	case errors.Is(err, domain.ErrInvalidOperation):
		h.reply(chatID, "لا يمكن تنفيذ هذا الإجراء الآن", nil)
	default:
		h.log.Error().Err(err).Msg("операция над очередью завершилась ошибкой")
		h.reply(chatID, "حدث خطأ، حاول لاحقاً", nil)
	}
}

func (h *Handler) answerCallback(cb *tgbotapi.CallbackQuery, text string) {
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, text))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(cb.From.ID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	h.replyInThread(chatID, 0, text, keyboard)
}

// replyInThread отправляет сообщение ответом на пост, чтобы оно осталось
// в ветке обсуждения и callback-кнопки могли восстановить пост.
func (h *Handler) replyInThread(chatID, postID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if postID != 0 {
			msg.ReplyToMessageID = int(postID)
		}
		if i == len(parts)-1 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"📖 بوت قائمة الدور في الحلقة:",
		"",
		"• اكتب أي رسالة في موضوع الحلقة للانضمام إلى القائمة.",
		"• ‎/list — عرض قائمة الدور الحالية.",
		"",
		"أوامر المشرفين:",
		"• ‎/new_session — فتح جلسة جديدة مع نقل من لم يخرج بعد.",
		"• ‎/new_session_fresh — فتح جلسة جديدة بقائمة فارغة.",
		"• ‎/teacher الشيخ أحمد — تسجيل شيخ الجلسة.",
		"• استخدم الأزرار أسفل القائمة لإدارة الأدوار.",
	}
	return strings.Join(lines, "\n")
}

// postIDFromMessage определяет пост, к которому относится сообщение:
// корень цепочки ответов в ветке обсуждения. Вне ветки очередь не ведётся.
func postIDFromMessage(msg *tgbotapi.Message) int64 {
	if msg == nil || msg.ReplyToMessage == nil {
		return 0
	}
	root := msg.ReplyToMessage
	for root.ReplyToMessage != nil {
		root = root.ReplyToMessage
	}
	return int64(root.MessageID)
}

func parseEntryID(data string, parts int) int64 {
	segments := strings.SplitN(data, ":", parts)
	if len(segments) != parts {
		return 0
	}
	id, _ := strconv.ParseInt(segments[parts-1], 10, 64)
	return id
}

func telegramName(user *tgbotapi.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.UserName
	}
	return name
}

// detectName пытается извлечь имя из текста заявки: короткая строка из
// нескольких слов без ссылок и цифр. Подтверждение имени остаётся за
// внешним сервисом распознавания.
func detectName(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len([]rune(trimmed)) > 40 {
		return ""
	}
	words := strings.Fields(trimmed)
	if len(words) == 0 || len(words) > 4 {
		return ""
	}
	for _, r := range trimmed {
		if unicode.IsDigit(r) || r == '/' || r == '@' || r == ':' {
			return ""
		}
	}
	return trimmed
}
