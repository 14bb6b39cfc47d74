package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"poem-vision-bot/internal/analysis"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/mediagroup"
	"poem-vision-bot/internal/session"
	"poem-vision-bot/internal/share"
	"poem-vision-bot/internal/telegram"
	"poem-vision-bot/internal/wizard"
)

// Messenger is the part of the Telegram client the handler talks to.
type Messenger interface {
	SendTyping(chatID int64)
	SendUploadingPhoto(chatID int64)
	SendText(chatID int64, text string) error
	SendTextWithKeyboard(chatID int64, text string, kb telegram.InlineKeyboard) (int, error)
	EditTextWithKeyboard(chatID int64, messageID int, text string, kb telegram.InlineKeyboard) error
	AnswerCallback(callbackID, text string, alert bool) error
	SendPhotoBytes(chatID int64, data []byte, name, caption string, kb *telegram.InlineKeyboard) error
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error)
}

type Options struct {
	Telegram Messenger
	Sessions *session.Store
	// Share builds the links shown under the final image. Nil hides them.
	Share          *share.Composer
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type Handler struct {
	tg         Messenger
	sessions   *session.Store
	share      *share.Composer
	maxUpload  int64
	logger     *slog.Logger
	aggregator *mediagroup.Aggregator
}

const (
	helpText = "✍️ Photo Poem\n\n" +
		"1. Send a photo (JPEG, PNG, up to 5MB).\n" +
		"2. Tap Analyze Image, then pick what to emphasize, the poem type and length.\n" +
		"3. Generate the poem, regenerate until you like it and pick a frame.\n" +
		"4. Create the final image and share it.\n\n" +
		"Commands:\n" +
		"/start - Start a new poem\n" +
		"/new - Start over with a new photo\n" +
		"/cancel - Stop typing a note\n" +
		"/help - Show this help\n\n" +
		"Short replies like \"analyze\", \"generate\", \"again\" or \"back\" work too."

	msgNotYourMenu    = "This menu belongs to someone else."
	msgWorking        = "Still working on it…"
	msgDownloadFailed = "Could not download the image. Please send it again."
	msgUnknownCommand = "Unknown command. Use /help."
	msgNoteSaved      = "📝 Note saved."
	msgStaleMenu      = "That option is no longer available."
	msgNotNow         = "Finish the current step first, or use the buttons below."
)

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = intake.DefaultMaxBytes
	}

	return &Handler{
		tg:        opts.Telegram,
		sessions:  opts.Sessions,
		share:     opts.Share,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

func (h *Handler) SetMediaGroupAggregator(ag *mediagroup.Aggregator) {
	h.aggregator = ag
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	msg := update.Message
	chatID := msg.Chat.ID
	userID := msg.From.ID
	username := msg.From.UserName

	if msg.IsCommand() {
		return h.handleCommand(ctx, chatID, userID, username, msg)
	}

	if len(msg.Photo) > 0 {
		return h.handlePhoto(ctx, chatID, userID, username, msg)
	}

	if msg.Document != nil {
		return h.handleDocument(ctx, chatID, userID, username, msg)
	}

	if msg.Text != "" {
		return h.handleText(ctx, chatID, userID, username, msg.Text)
	}

	return nil
}

// HandleMediaGroup stages the first image of an album. The wizard works on
// one image, so the user is told how many were skipped.
func (h *Handler) HandleMediaGroup(ctx context.Context, group mediagroup.Group) {
	if len(group.Files) == 0 {
		return
	}
	if err := h.stageUpload(ctx, group.ChatID, group.UserID, group.Username, group.First(), 0, group.Caption); err != nil {
		h.logger.Error("media group processing failed", "err", err)
		return
	}
	if n := group.Skipped(); n > 0 {
		_ = h.tg.SendText(group.ChatID, fmt.Sprintf("Only one image is used per poem, so %d other image(s) from the album were skipped.", n))
	}
}

func (h *Handler) handleCommand(ctx context.Context, chatID int64, userID int64, username string, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start", "new":
		if _, err := h.entry(ctx, chatID, userID, username); err != nil {
			return err
		}
		if _, err := h.sessions.Reset(chatID, userID); err != nil {
			return err
		}
		return h.renderFresh(chatID, userID)
	case "help":
		return h.tg.SendText(chatID, helpText)
	case "cancel":
		e, ok := h.sessions.Peek(chatID, userID)
		if !ok {
			return h.tg.SendText(chatID, "Nothing to cancel. Send a photo to begin.")
		}
		if _, err := h.sessions.Update(chatID, userID, func(e *session.Entry) {
			e.AwaitingNote = false
			e.Menu = session.MenuMain
		}); err != nil {
			return err
		}
		if e.AwaitingNote {
			_ = h.tg.SendText(chatID, "Note cancelled.")
		}
		return h.render(chatID, userID)
	default:
		return h.tg.SendText(chatID, msgUnknownCommand)
	}
}

func (h *Handler) handlePhoto(ctx context.Context, chatID int64, userID int64, username string, msg *tgbotapi.Message) error {
	photo := msg.Photo[len(msg.Photo)-1]
	file := mediagroup.File{FileID: photo.FileID}

	if msg.MediaGroupID != "" && h.aggregator != nil {
		if h.aggregator.Add(mediagroup.Item{
			ChatID:       chatID,
			UserID:       userID,
			Username:     username,
			MediaGroupID: msg.MediaGroupID,
			Caption:      msg.Caption,
			File:         file,
		}) {
			return nil
		}
	}

	return h.stageUpload(ctx, chatID, userID, username, file, int64(photo.FileSize), msg.Caption)
}

func (h *Handler) handleDocument(ctx context.Context, chatID int64, userID int64, username string, msg *tgbotapi.Message) error {
	doc := msg.Document
	file := mediagroup.File{
		FileID:   doc.FileID,
		FileName: doc.FileName,
		MimeType: doc.MimeType,
		Document: true,
	}

	if msg.MediaGroupID != "" && h.aggregator != nil {
		if h.aggregator.Add(mediagroup.Item{
			ChatID:       chatID,
			UserID:       userID,
			Username:     username,
			MediaGroupID: msg.MediaGroupID,
			Caption:      msg.Caption,
			File:         file,
		}) {
			return nil
		}
	}

	return h.stageUpload(ctx, chatID, userID, username, file, int64(doc.FileSize), msg.Caption)
}

// stageUpload validates and stages one Telegram file. Size and declared
// type are checked before anything is downloaded. A caption becomes the
// poem note.
func (h *Handler) stageUpload(ctx context.Context, chatID, userID int64, username string, file mediagroup.File, size int64, caption string) error {
	e, err := h.entry(ctx, chatID, userID, username)
	if err != nil {
		return err
	}
	ctrl := e.Controller
	_ = ctrl.GoToStep(wizard.StepUpload)

	source := intake.SourceCamera
	if file.Document {
		source = intake.SourceDrop
	}

	if declared := strings.ToLower(strings.TrimSpace(file.MimeType)); declared != "" &&
		declared != "application/octet-stream" && !strings.HasPrefix(declared, "image/") {
		_ = ctrl.StageFile(file.FileName, file.MimeType, nil, source)
		return h.render(chatID, userID)
	}

	if size > 0 {
		if err := ctrl.CheckUploadSize(size); err != nil {
			return h.render(chatID, userID)
		}
	}

	h.tg.SendTyping(chatID)
	data, mimeType, err := h.tg.DownloadFile(ctx, file.FileID, h.maxUpload)
	switch {
	case errors.Is(err, telegram.ErrFileTooLarge):
		_ = ctrl.CheckUploadSize(h.maxUpload + 1)
		return h.render(chatID, userID)
	case err != nil:
		h.logger.Error("photo download failed", "chat_id", chatID, "err", err)
		return h.tg.SendText(chatID, msgDownloadFailed)
	}

	if file.MimeType != "" && file.MimeType != "application/octet-stream" {
		mimeType = file.MimeType
	}
	name := file.FileName
	if name == "" {
		name = "photo.jpg"
	}

	if err := ctrl.StageFile(name, mimeType, data, source); err == nil {
		if c := strings.TrimSpace(caption); c != "" {
			ctrl.SetPromptDetails(c)
		}
		h.logger.Info("image staged", "chat_id", chatID, "user_id", userID, "bytes", len(data))
	}
	return h.render(chatID, userID)
}

func (h *Handler) handleText(ctx context.Context, chatID int64, userID int64, username string, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e, err := h.entry(ctx, chatID, userID, username)
	if err != nil {
		return err
	}
	ctrl := e.Controller

	if e.AwaitingNote {
		ctrl.SetPromptDetails(text)
		if _, err := h.sessions.Update(chatID, userID, func(e *session.Entry) {
			e.AwaitingNote = false
			e.Menu = session.MenuMain
		}); err != nil {
			return err
		}
		_ = h.tg.SendText(chatID, msgNoteSaved)
		return h.renderFresh(chatID, userID)
	}

	if looksLikeDataURI(text) {
		_ = ctrl.GoToStep(wizard.StepUpload)
		_ = ctrl.StageDataURI(text)
		return h.renderFresh(chatID, userID)
	}

	v := ctrl.View()
	switch textIntent(text) {
	case intentAnalyze:
		if !offered(v, wizard.ButtonAnalyze) {
			return h.notNow(chatID, userID)
		}
		return h.runAnalyze(ctx, chatID, userID, "")
	case intentGenerate:
		switch {
		case offered(v, wizard.ButtonGenerate):
			return h.runGenerate(ctx, chatID, userID, "", false)
		case offered(v, wizard.ButtonRegenerate):
			return h.runGenerate(ctx, chatID, userID, "", true)
		}
		return h.notNow(chatID, userID)
	case intentRegenerate:
		if !offered(v, wizard.ButtonRegenerate) {
			return h.notNow(chatID, userID)
		}
		return h.runGenerate(ctx, chatID, userID, "", true)
	case intentCreateFinal:
		if !offered(v, wizard.ButtonCreateFinal) {
			return h.notNow(chatID, userID)
		}
		return h.runFinal(ctx, chatID, userID, "")
	case intentBack:
		ctrl.Back()
		h.setMenu(chatID, userID, session.MenuMain)
		return h.renderFresh(chatID, userID)
	case intentStartOver:
		if _, err := h.sessions.Reset(chatID, userID); err != nil {
			return err
		}
		return h.renderFresh(chatID, userID)
	case intentHelp:
		return h.tg.SendText(chatID, helpText)
	}

	_ = h.tg.SendText(chatID, "I work with photos. Send one, or use the buttons below.")
	return h.renderFresh(chatID, userID)
}

// offered reports whether the active step shows control id. Busy controls
// count so the action can answer that it is still working.
func offered(v wizard.View, id wizard.ButtonID) bool {
	b, ok := v.Button(id)
	return ok && (b.Enabled || b.Busy)
}

func (h *Handler) notNow(chatID, userID int64) error {
	_ = h.tg.SendText(chatID, msgNotNow)
	return h.renderFresh(chatID, userID)
}

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if q == nil || q.Message == nil || q.From == nil {
		return nil
	}

	c, ok := parseCallback(q.Data)
	if !ok {
		_ = h.tg.AnswerCallback(q.ID, "", false)
		return nil
	}
	if c.Owner != q.From.ID {
		_ = h.tg.AnswerCallback(q.ID, msgNotYourMenu, true)
		return nil
	}

	chatID := q.Message.Chat.ID
	userID := c.Owner

	if _, err := h.entry(ctx, chatID, userID, q.From.UserName); err != nil {
		_ = h.tg.AnswerCallback(q.ID, "", false)
		return err
	}
	e, err := h.sessions.Update(chatID, userID, func(e *session.Entry) {
		e.MessageID = q.Message.MessageID
	})
	if err != nil {
		_ = h.tg.AnswerCallback(q.ID, "", false)
		return err
	}
	ctrl := e.Controller

	switch c.Action {
	case actNoop:
		_ = h.tg.AnswerCallback(q.ID, msgWorking, false)
		return nil

	case actAnalyze:
		return h.runAnalyze(ctx, chatID, userID, q.ID)
	case actGenerate:
		return h.runGenerate(ctx, chatID, userID, q.ID, false)
	case actRegenerate:
		return h.runGenerate(ctx, chatID, userID, q.ID, true)
	case actFinal:
		return h.runFinal(ctx, chatID, userID, q.ID)

	case actChangeImage:
		ctrl.ChangeImage()
		_ = h.tg.AnswerCallback(q.ID, "Send a new photo.", false)
	case actBack:
		ctrl.Back()
		h.setMenu(chatID, userID, session.MenuMain)
		_ = h.tg.AnswerCallback(q.ID, "", false)
	case actStartOver:
		if _, err := h.sessions.Reset(chatID, userID); err != nil {
			_ = h.tg.AnswerCallback(q.ID, "", false)
			return err
		}
		_ = h.tg.AnswerCallback(q.ID, "Send a new photo to begin.", false)

	case actMenu:
		menu, ok := parseMenu(c.Arg)
		if !ok {
			_ = h.tg.AnswerCallback(q.ID, msgStaleMenu, false)
			return nil
		}
		h.setMenu(chatID, userID, menu)
		_ = h.tg.AnswerCallback(q.ID, "", false)

	case actNote:
		if _, err := h.sessions.Update(chatID, userID, func(e *session.Entry) {
			e.AwaitingNote = true
		}); err != nil {
			_ = h.tg.AnswerCallback(q.ID, "", false)
			return err
		}
		_ = h.tg.AnswerCallback(q.ID, "Send your note as a message (/cancel to stop).", false)

	case actEmphasis:
		i, ok := c.index()
		if !ok {
			_ = h.tg.AnswerCallback(q.ID, msgStaleMenu, false)
			return nil
		}
		_, err := ctrl.ToggleEmphasisAt(i)
		switch {
		case errors.Is(err, analysis.ErrEmphasisLimit):
			_ = h.tg.AnswerCallback(q.ID, ctrl.State().EmphasisWarning, true)
		case err != nil:
			_ = h.tg.AnswerCallback(q.ID, msgStaleMenu, false)
		default:
			_ = h.tg.AnswerCallback(q.ID, "", false)
		}
		h.setMenu(chatID, userID, session.MenuEmphasis)

	case actShowAll:
		ctrl.SetShowAllEmphasis(!ctrl.State().ShowAllEmphasis)
		_ = h.tg.AnswerCallback(q.ID, "", false)

	case actPoemType, actFrame, actLength:
		return h.selectFeature(ctx, q.ID, chatID, userID, c)

	default:
		_ = h.tg.AnswerCallback(q.ID, "", false)
		return nil
	}

	return h.render(chatID, userID)
}

// selectFeature applies a picker choice. A denied choice reverts to the
// default and shows the upgrade prompt once.
func (h *Handler) selectFeature(ctx context.Context, callbackID string, chatID, userID int64, c callback) error {
	e, ok := h.sessions.Peek(chatID, userID)
	if !ok {
		_ = h.tg.AnswerCallback(callbackID, "", false)
		return nil
	}
	ctrl := e.Controller
	v := ctrl.View()

	var (
		opts   []wizard.FeatureOption
		choose func(context.Context, string) entitlement.Decision
	)
	switch c.Action {
	case actPoemType:
		opts, choose = v.PoemTypes, ctrl.SelectPoemType
	case actFrame:
		opts, choose = v.Frames, ctrl.SelectFrame
	case actLength:
		opts, choose = v.PoemLengths, ctrl.SelectPoemLength
	}

	i, ok := c.index()
	if !ok || i >= len(opts) {
		_ = h.tg.AnswerCallback(callbackID, msgStaleMenu, false)
		return nil
	}

	d := choose(ctx, opts[i].ID)
	h.setMenu(chatID, userID, session.MenuMain)

	if d.Allowed || d.Prompt == nil {
		_ = h.tg.AnswerCallback(callbackID, "✅ "+opts[i].Name, false)
		return h.render(chatID, userID)
	}

	_ = h.tg.AnswerCallback(callbackID, d.Prompt.Title, false)
	if err := h.render(chatID, userID); err != nil {
		return err
	}
	return h.sendUpgrade(chatID, *d.Prompt)
}

func (h *Handler) sendUpgrade(chatID int64, p entitlement.UpgradePrompt) error {
	text := "⭐ " + p.Title + "\n\n" + p.Message
	if p.URL == "" {
		return h.tg.SendText(chatID, text)
	}
	_, err := h.tg.SendTextWithKeyboard(chatID, text, upgradeKeyboard(p))
	return err
}

func (h *Handler) runAnalyze(ctx context.Context, chatID, userID int64, callbackID string) error {
	e, ok := h.sessions.Peek(chatID, userID)
	if !ok {
		return h.answer(callbackID, "")
	}
	ctrl := e.Controller
	if ctrl.Busy(wizard.ActionAnalyze) {
		return h.answer(callbackID, msgWorking)
	}

	_ = h.answer(callbackID, "🔎 Analyzing…")
	h.tg.SendTyping(chatID)

	err := ctrl.Analyze(ctx)
	switch {
	case errors.Is(err, wizard.ErrBusy):
		return nil
	case err != nil:
		h.logger.Warn("analyze failed", "chat_id", chatID, "user_id", userID, "err", err)
	default:
		h.setMenu(chatID, userID, session.MenuMain)
	}
	return h.render(chatID, userID)
}

func (h *Handler) runGenerate(ctx context.Context, chatID, userID int64, callbackID string, regenerate bool) error {
	e, ok := h.sessions.Peek(chatID, userID)
	if !ok {
		return h.answer(callbackID, "")
	}
	ctrl := e.Controller
	if ctrl.Busy(wizard.ActionGenerate) {
		return h.answer(callbackID, msgWorking)
	}

	_ = h.answer(callbackID, "✍️ Writing…")
	h.tg.SendTyping(chatID)

	var err error
	if regenerate {
		err = ctrl.RegeneratePoem(ctx)
	} else {
		err = ctrl.GeneratePoem(ctx)
	}
	switch {
	case errors.Is(err, wizard.ErrBusy):
		return nil
	case errors.Is(err, wizard.ErrAnalysisMissing):
		h.setMenu(chatID, userID, session.MenuMain)
	case err != nil:
		h.logger.Warn("generate failed", "chat_id", chatID, "user_id", userID, "err", err)
	default:
		h.setMenu(chatID, userID, session.MenuMain)
	}
	return h.render(chatID, userID)
}

func (h *Handler) runFinal(ctx context.Context, chatID, userID int64, callbackID string) error {
	e, ok := h.sessions.Peek(chatID, userID)
	if !ok {
		return h.answer(callbackID, "")
	}
	ctrl := e.Controller
	if ctrl.Busy(wizard.ActionCreateFinal) {
		return h.answer(callbackID, msgWorking)
	}

	_ = h.answer(callbackID, "🖼 Framing…")
	h.tg.SendUploadingPhoto(chatID)

	err := ctrl.CreateFinalImage(ctx)
	switch {
	case errors.Is(err, wizard.ErrBusy):
		return nil
	case err != nil:
		if !errors.Is(err, wizard.ErrAnalysisMissing) {
			h.logger.Warn("create final image failed", "chat_id", chatID, "user_id", userID, "err", err)
		}
		h.setMenu(chatID, userID, session.MenuMain)
		return h.render(chatID, userID)
	}

	poem := ctrl.State().Poem
	for _, ev := range ctrl.DrainEvents() {
		if err := h.sendFinalImage(chatID, poem, ev); err != nil {
			h.logger.Error("send final image failed", "chat_id", chatID, "err", err)
			_ = h.tg.SendText(chatID, "Your image is ready but could not be sent. Please try again.")
		}
	}
	h.setMenu(chatID, userID, session.MenuMain)
	return h.renderFresh(chatID, userID)
}

func (h *Handler) sendFinalImage(chatID int64, poem string, ev wizard.FinalImageCreated) error {
	var s share.Share
	if h.share != nil {
		s = h.share.Compose(ev.ShareCode)
	}

	var kb *telegram.InlineKeyboard
	if s.URL != "" {
		k := shareKeyboard(s)
		kb = &k
	}

	h.logger.Info("final image created", "chat_id", chatID, "analysis_id", ev.AnalysisID, "share_code", ev.ShareCode)
	return h.tg.SendPhotoBytes(chatID, ev.Image, "poem.jpg", shareCaption(poem, s), kb)
}

// entry returns the user's session and loads the feature catalogs the first
// time it is used.
func (h *Handler) entry(ctx context.Context, chatID, userID int64, username string) (session.Entry, error) {
	e, err := h.sessions.Get(chatID, userID, username)
	if err != nil {
		return session.Entry{}, fmt.Errorf("session: %w", err)
	}
	if e.CatalogsLoaded {
		return e, nil
	}

	if err := e.Controller.LoadCatalogs(ctx); err != nil {
		h.logger.Warn("catalog load incomplete", "chat_id", chatID, "user_id", userID, "err", err)
	}
	return h.sessions.Update(chatID, userID, func(e *session.Entry) {
		e.CatalogsLoaded = true
	})
}

func (h *Handler) setMenu(chatID, userID int64, menu session.Menu) {
	_, _ = h.sessions.Update(chatID, userID, func(e *session.Entry) {
		e.Menu = menu
	})
}

func (h *Handler) answer(callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	return h.tg.AnswerCallback(callbackID, text, false)
}

// render edits the wizard message in place, sending a new one when there
// is none yet or the edit fails.
func (h *Handler) render(chatID, userID int64) error {
	e, ok := h.sessions.Peek(chatID, userID)
	if !ok {
		return nil
	}

	v := e.Controller.View()
	text := viewText(v, e.Menu, e.AwaitingNote)
	kb := viewKeyboard(userID, v, e.Menu)

	if e.MessageID != 0 {
		err := h.tg.EditTextWithKeyboard(chatID, e.MessageID, text, kb)
		if err == nil {
			return nil
		}
		h.logger.Debug("edit wizard message failed", "chat_id", chatID, "err", err)
	}

	msgID, err := h.tg.SendTextWithKeyboard(chatID, text, kb)
	if err != nil {
		return err
	}
	_, err = h.sessions.Update(chatID, userID, func(e *session.Entry) {
		e.MessageID = msgID
	})
	return err
}

// renderFresh sends the wizard as a new message at the bottom of the chat.
func (h *Handler) renderFresh(chatID, userID int64) error {
	if _, err := h.sessions.Update(chatID, userID, func(e *session.Entry) {
		e.MessageID = 0
	}); err != nil {
		return err
	}
	return h.render(chatID, userID)
}

func parseMenu(s string) (session.Menu, bool) {
	switch m := session.Menu(s); m {
	case session.MenuMain, session.MenuPoemType, session.MenuLength, session.MenuFrame, session.MenuEmphasis:
		return m, true
	}
	return "", false
}
