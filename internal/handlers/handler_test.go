package handlers

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/poemapi"
	"poem-vision-bot/internal/session"
	"poem-vision-bot/internal/share"
	"poem-vision-bot/internal/telegram"
	"poem-vision-bot/internal/wizard"
)

const (
	testChat = int64(100)
	testUser = int64(42)
)

type screen struct {
	Text string
	KB   telegram.InlineKeyboard
}

type answer struct {
	Text  string
	Alert bool
}

type photo struct {
	Caption string
	KB      *telegram.InlineKeyboard
	Size    int
}

type fakeMessenger struct {
	mu        sync.Mutex
	nextID    int
	texts     []string
	screens   []screen
	answers   []answer
	photos    []photo
	downloads atomic.Int32

	file     []byte
	fileMime string
}

func (f *fakeMessenger) SendTyping(int64)         {}
func (f *fakeMessenger) SendUploadingPhoto(int64) {}

func (f *fakeMessenger) SendText(_ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeMessenger) SendTextWithKeyboard(_ int64, text string, kb telegram.InlineKeyboard) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.screens = append(f.screens, screen{Text: text, KB: kb})
	return f.nextID, nil
}

func (f *fakeMessenger) EditTextWithKeyboard(_ int64, _ int, text string, kb telegram.InlineKeyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens = append(f.screens, screen{Text: text, KB: kb})
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ string, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer{Text: text, Alert: alert})
	return nil
}

func (f *fakeMessenger) SendPhotoBytes(_ int64, data []byte, _ string, caption string, kb *telegram.InlineKeyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, photo{Caption: caption, KB: kb, Size: len(data)})
	return nil
}

func (f *fakeMessenger) DownloadFile(context.Context, string, int64) ([]byte, string, error) {
	f.downloads.Add(1)
	return f.file, f.fileMime, nil
}

func (f *fakeMessenger) lastScreen(t *testing.T) screen {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.screens)
	return f.screens[len(f.screens)-1]
}

func (f *fakeMessenger) lastAnswer(t *testing.T) answer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.answers)
	return f.answers[len(f.answers)-1]
}

type fakePoemAPI struct {
	analyzeCalls atomic.Int32
}

func (a *fakePoemAPI) AnalyzeImage(context.Context, poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
	a.analyzeCalls.Add(1)
	return poemapi.AnalyzeResponse{
		AnalysisID: "an-1",
		Results: &poemapi.AnalysisResult{
			Labels:  []poemapi.Label{{Description: "Beach", Score: 97}, {Description: "Sunset", Score: 91}},
			Objects: []poemapi.DetectedObject{{Name: "Person", Score: 88}},
			Faces:   []poemapi.Face{{"joy": "VERY_LIKELY"}},
		},
	}, nil
}

func (a *fakePoemAPI) GeneratePoem(context.Context, poemapi.GeneratePoemRequest) (poemapi.GeneratePoemResponse, error) {
	return poemapi.GeneratePoemResponse{Poem: "Gold spills on the tide"}, nil
}

func (a *fakePoemAPI) CreateFinalImage(context.Context, poemapi.CreateFinalImageRequest) (poemapi.CreateFinalImageResponse, error) {
	return poemapi.CreateFinalImageResponse{FinalImage: []byte{0xff, 0xd8, 0xff}, ShareCode: "abc123"}, nil
}

func (a *fakePoemAPI) AvailablePoemTypes(context.Context) (poemapi.Catalog, error) {
	return poemapi.Catalog{Features: []poemapi.FeatureDescriptor{
		{ID: "free verse", DisplayName: "Free Verse", IsFree: true},
		{ID: "haiku", DisplayName: "Haiku"},
	}}, nil
}

func (a *fakePoemAPI) AvailableFrames(context.Context) (poemapi.Catalog, error) {
	return poemapi.Catalog{Features: []poemapi.FeatureDescriptor{
		{ID: "classic", DisplayName: "Classic", IsFree: true},
	}}, nil
}

func (a *fakePoemAPI) AvailablePoemLengths(context.Context) (poemapi.Catalog, error) {
	return poemapi.Catalog{Features: []poemapi.FeatureDescriptor{
		{ID: "short", DisplayName: "Short", IsFree: true},
		{ID: "long", DisplayName: "Long"},
	}}, nil
}

func (a *fakePoemAPI) CheckAccess(context.Context, string, string) (poemapi.AccessResponse, error) {
	return poemapi.AccessResponse{}, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeMessenger, *fakePoemAPI) {
	t.Helper()

	api := &fakePoemAPI{}
	store, err := session.NewStore(session.Options{
		Factory: func(int64, int64) (*wizard.Controller, error) {
			gate := entitlement.NewGate(entitlement.Options{
				Checker:    api,
				UpgradeURL: "https://poems.example/upgrade",
			})
			return wizard.New(wizard.Options{API: api, Gate: gate})
		},
	})
	require.NoError(t, err)

	composer, err := share.NewComposer(share.Options{Origin: "https://poems.example"})
	require.NoError(t, err)

	tg := &fakeMessenger{file: pngBytes(t), fileMime: "image/png"}
	h := New(Options{Telegram: tg, Sessions: store, Share: composer})
	return h, tg, api
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func photoUpdate(size int) telegram.Update {
	return telegram.Update{Message: &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: testUser, UserName: "ana"},
		Chat:      &tgbotapi.Chat{ID: testChat},
		Photo:     []tgbotapi.PhotoSize{{FileID: "small", FileSize: 10}, {FileID: "big", FileSize: size}},
	}}
}

func textUpdate(text string) telegram.Update {
	msg := &tgbotapi.Message{
		MessageID: 11,
		From:      &tgbotapi.User{ID: testUser},
		Chat:      &tgbotapi.Chat{ID: testChat},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(strings.Fields(text)[0])}}
	}
	return telegram.Update{Message: msg}
}

func callbackUpdate(from int64, data string) telegram.Update {
	return telegram.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cq",
		From:    &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: testChat}},
		Data:    data,
	}}
}

func controller(t *testing.T, h *Handler) *wizard.Controller {
	t.Helper()
	e, ok := h.sessions.Peek(testChat, testUser)
	require.True(t, ok)
	return e.Controller
}

func hasURL(kb telegram.InlineKeyboard, url string) bool {
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			if b.URL != nil && *b.URL == url {
				return true
			}
		}
	}
	return false
}

func TestFullFlowSendsFramedImageWithShareLinks(t *testing.T) {
	h, tg, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	assert.Contains(t, tg.lastScreen(t).Text, "Image: photo.jpg")
	assert.EqualValues(t, 1, tg.downloads.Load())

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actAnalyze))))
	s := tg.lastScreen(t)
	assert.Contains(t, s.Text, "Step 2/4")
	assert.Contains(t, s.Text, "Beach (97%)")
	assert.Contains(t, s.Text, "1 face detected with emotions:")

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actGenerate))))
	assert.Contains(t, tg.lastScreen(t).Text, "Gold spills on the tide")

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actFinal))))
	require.Len(t, tg.photos, 1)
	p := tg.photos[0]
	require.NotNil(t, p.KB)
	assert.True(t, hasURL(*p.KB, "https://poems.example/shared/abc123"))
	assert.Contains(t, p.Caption, "https://poems.example/shared/abc123")
	assert.Contains(t, tg.lastScreen(t).Text, "Step 4/4")

	assert.Empty(t, controller(t, h).DrainEvents())
}

func TestOversizedPhotoRejectedBeforeDownload(t *testing.T) {
	h, tg, api := newTestHandler(t)

	require.NoError(t, h.HandleUpdate(context.Background(), photoUpdate(6<<20)))

	assert.Zero(t, tg.downloads.Load())
	assert.Zero(t, api.analyzeCalls.Load())
	assert.Contains(t, tg.lastScreen(t).Text, "exceeds the 5MB limit")
	assert.Nil(t, controller(t, h).State().Image)
}

func TestNonImageDocumentRejected(t *testing.T) {
	h, tg, _ := newTestHandler(t)

	update := telegram.Update{Message: &tgbotapi.Message{
		MessageID: 12,
		From:      &tgbotapi.User{ID: testUser},
		Chat:      &tgbotapi.Chat{ID: testChat},
		Document:  &tgbotapi.Document{FileID: "doc", FileName: "notes.pdf", MimeType: "application/pdf", FileSize: 2048},
	}}
	require.NoError(t, h.HandleUpdate(context.Background(), update))

	assert.Zero(t, tg.downloads.Load())
	assert.Contains(t, tg.lastScreen(t).Text, "Please upload an image file")
}

func TestCallbackFromAnotherUserIsRejected(t *testing.T) {
	h, tg, api := newTestHandler(t)

	require.NoError(t, h.HandleUpdate(context.Background(), callbackUpdate(7, cb(testUser, actAnalyze))))

	assert.Equal(t, answer{Text: msgNotYourMenu, Alert: true}, tg.lastAnswer(t))
	assert.Zero(t, api.analyzeCalls.Load())
}

func TestLockedPoemTypeRevertsAndOffersUpgrade(t *testing.T) {
	h, tg, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actAnalyze))))

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actMenu, string(session.MenuPoemType)))))
	kb := tg.lastScreen(t).KB
	require.NotEmpty(t, kb.InlineKeyboard)
	assert.Equal(t, "🔒 Haiku", kb.InlineKeyboard[0][1].Text)

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actPoemType, "1"))))

	assert.Equal(t, entitlement.DefaultPoemType, controller(t, h).State().PoemType)
	assert.Equal(t, "Premium Poem Type", tg.lastAnswer(t).Text)

	upgrade := tg.lastScreen(t)
	assert.Contains(t, upgrade.Text, "only available to Premium members")
	assert.True(t, hasURL(upgrade.KB, "https://poems.example/upgrade"))
}

func TestNoteIsCapturedFromNextMessage(t *testing.T) {
	h, tg, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actNote))))
	assert.Contains(t, tg.lastScreen(t).Text, "Send a short note")

	require.NoError(t, h.HandleUpdate(ctx, textUpdate("Grandma's 80th birthday in Nice")))

	assert.Equal(t, "Grandma's 80th birthday in Nice", controller(t, h).State().CustomPrompt.Details)
	e, _ := h.sessions.Peek(testChat, testUser)
	assert.False(t, e.AwaitingNote)
}

func TestTextIntentRunsAnalyze(t *testing.T) {
	h, _, api := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	require.NoError(t, h.HandleUpdate(ctx, textUpdate("analyze!")))

	assert.EqualValues(t, 1, api.analyzeCalls.Load())
	assert.Equal(t, wizard.StepCustomize, controller(t, h).State().Step)
}

func TestEmphasisLimitShowsAlert(t *testing.T) {
	h, tg, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actAnalyze))))

	// Beach, Sunset, Person, Joy
	for i := 0; i < 3; i++ {
		require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actEmphasis, strconv.Itoa(i)))))
	}
	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actEmphasis, "3"))))

	last := tg.lastAnswer(t)
	assert.True(t, last.Alert)
	assert.Equal(t, "You can select up to 3 elements to emphasize.", last.Text)
	assert.Len(t, controller(t, h).State().Emphasis, 3)
}

func TestStartCommandResetsWizard(t *testing.T) {
	h, tg, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	require.NoError(t, h.HandleUpdate(ctx, textUpdate("/start")))

	st := controller(t, h).State()
	assert.Equal(t, wizard.StepUpload, st.Step)
	assert.Nil(t, st.Image)
	assert.Contains(t, tg.lastScreen(t).Text, "Send a photo")
}

func TestTextIntentOutOfStepIsRefused(t *testing.T) {
	h, tg, api := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, textUpdate("poem")))
	st := controller(t, h).State()
	assert.Equal(t, wizard.StepUpload, st.Step)
	assert.Empty(t, st.Notice)
	assert.Equal(t, msgNotNow, tg.texts[len(tg.texts)-1])

	require.NoError(t, h.HandleUpdate(ctx, photoUpdate(1024)))
	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(testUser, cb(testUser, actAnalyze))))
	require.EqualValues(t, 1, api.analyzeCalls.Load())

	require.NoError(t, h.HandleUpdate(ctx, textUpdate("create")))
	st = controller(t, h).State()
	assert.Equal(t, wizard.StepCustomize, st.Step)
	assert.Empty(t, st.ShareCode)
	assert.Empty(t, tg.photos)
	assert.Equal(t, msgNotNow, tg.texts[len(tg.texts)-1])

	require.NoError(t, h.HandleUpdate(ctx, textUpdate("write")))
	assert.Equal(t, wizard.StepPoem, controller(t, h).State().Step)

	require.NoError(t, h.HandleUpdate(ctx, textUpdate("poem")))
	assert.Equal(t, "Gold spills on the tide", controller(t, h).State().Poem)
}
