package wizard

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poem-vision-bot/internal/analysis"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/poemapi"
)

type fakeAPI struct {
	mu sync.Mutex

	analyzeCalls  atomic.Int32
	generateCalls atomic.Int32
	finalCalls    atomic.Int32
	accessCalls   atomic.Int32

	analyze  func(poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error)
	generate func(poemapi.GeneratePoemRequest) (poemapi.GeneratePoemResponse, error)
	final    func(poemapi.CreateFinalImageRequest) (poemapi.CreateFinalImageResponse, error)

	poemTypes, frames, lengths poemapi.Catalog
	catalogErr                 error
	access                     poemapi.AccessResponse

	lastGenerate poemapi.GeneratePoemRequest
	lastFinal    poemapi.CreateFinalImageRequest
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		analyze: func(poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
			return poemapi.AnalyzeResponse{AnalysisID: "an-1", Results: sampleResults()}, nil
		},
		generate: func(poemapi.GeneratePoemRequest) (poemapi.GeneratePoemResponse, error) {
			return poemapi.GeneratePoemResponse{Poem: "Waves fold the light"}, nil
		},
		final: func(poemapi.CreateFinalImageRequest) (poemapi.CreateFinalImageResponse, error) {
			return poemapi.CreateFinalImageResponse{FinalImage: []byte{0xff, 0xd8}, ShareCode: "abc123"}, nil
		},
		poemTypes: poemapi.Catalog{Features: []poemapi.FeatureDescriptor{
			{ID: "free verse", DisplayName: "Free Verse", IsFree: true, Category: "standard"},
			{ID: "haiku", DisplayName: "Haiku", Category: "classical"},
		}},
		frames: poemapi.Catalog{Features: []poemapi.FeatureDescriptor{
			{ID: "classic", DisplayName: "Classic", IsFree: true},
			{ID: "ornate", DisplayName: "Ornate"},
		}},
		lengths: poemapi.Catalog{Features: []poemapi.FeatureDescriptor{
			{ID: "short", DisplayName: "Short", IsFree: true},
			{ID: "long", DisplayName: "Long"},
		}},
	}
}

func (f *fakeAPI) AnalyzeImage(_ context.Context, req poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
	f.analyzeCalls.Add(1)
	return f.analyze(req)
}

func (f *fakeAPI) GeneratePoem(_ context.Context, req poemapi.GeneratePoemRequest) (poemapi.GeneratePoemResponse, error) {
	f.generateCalls.Add(1)
	f.mu.Lock()
	f.lastGenerate = req
	f.mu.Unlock()
	return f.generate(req)
}

func (f *fakeAPI) CreateFinalImage(_ context.Context, req poemapi.CreateFinalImageRequest) (poemapi.CreateFinalImageResponse, error) {
	f.finalCalls.Add(1)
	f.mu.Lock()
	f.lastFinal = req
	f.mu.Unlock()
	return f.final(req)
}

func (f *fakeAPI) AvailablePoemTypes(context.Context) (poemapi.Catalog, error) {
	return f.poemTypes, f.catalogErr
}

func (f *fakeAPI) AvailableFrames(context.Context) (poemapi.Catalog, error) {
	return f.frames, nil
}

func (f *fakeAPI) AvailablePoemLengths(context.Context) (poemapi.Catalog, error) {
	return f.lengths, nil
}

func (f *fakeAPI) CheckAccess(context.Context, string, string) (poemapi.AccessResponse, error) {
	f.accessCalls.Add(1)
	return f.access, nil
}

func sampleResults() *poemapi.AnalysisResult {
	return &poemapi.AnalysisResult{
		Labels: []poemapi.Label{
			{Description: "Sky", Score: 97},
			{Description: "Beach", Score: 91},
			{Description: "Sea", Score: 88},
		},
		Objects:   []poemapi.DetectedObject{{Name: "Person", Score: 80}},
		Faces:     []poemapi.Face{{"joy": "VERY_LIKELY"}},
		Landmarks: []poemapi.Label{{Description: "Pier", Score: 70}},
	}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func newController(t *testing.T, api *fakeAPI) *Controller {
	t.Helper()
	c, err := New(Options{API: api, MaxEmphasis: 3})
	require.NoError(t, err)
	return c
}

func analyzed(t *testing.T, api *fakeAPI) *Controller {
	t.Helper()
	c := newController(t, api)
	require.NoError(t, c.StageFile("beach.png", "image/png", tinyPNG(t), intake.SourceGallery))
	require.NoError(t, c.Analyze(context.Background()))
	return c
}

func TestNewRequiresAPI(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestInitialState(t *testing.T) {
	c := newController(t, newFakeAPI())
	s := c.State()

	assert.Equal(t, StepUpload, s.Step)
	assert.Equal(t, entitlement.DefaultPoemType, s.PoemType)
	assert.Equal(t, entitlement.DefaultFrame, s.Frame)
	assert.Equal(t, entitlement.DefaultPoemLength, s.PoemLength)
	assert.Equal(t, 3, s.MaxEmphasis)
	assert.Nil(t, s.Image)

	b, ok := c.View().Button(ButtonAnalyze)
	require.True(t, ok)
	assert.False(t, b.Enabled, "analyze needs a staged image")
}

func TestGoToStepActivatesExactlyOne(t *testing.T) {
	c := newController(t, newFakeAPI())

	for _, step := range []Step{StepUpload, StepCustomize, StepPoem, StepShare, StepCustomize} {
		require.NoError(t, c.GoToStep(step))
		v := c.View()

		activeTabs, activePanes := 0, 0
		for _, tab := range v.Tabs {
			if tab.Active {
				activeTabs++
				assert.Equal(t, step, tab.Step)
			}
			assert.Equal(t, tab.Step <= step, tab.Enabled, "tab %d at step %d", tab.Step, step)
		}
		for _, p := range v.Panes {
			if p.Active {
				activePanes++
				assert.Equal(t, step, p.Step)
			}
		}
		assert.Equal(t, 1, activeTabs)
		assert.Equal(t, 1, activePanes)
	}

	assert.ErrorIs(t, c.GoToStep(0), ErrInvalidStep)
	assert.ErrorIs(t, c.GoToStep(5), ErrInvalidStep)
	assert.Equal(t, StepCustomize, c.State().Step)
}

func TestBack(t *testing.T) {
	c := newController(t, newFakeAPI())
	require.NoError(t, c.GoToStep(StepShare))

	assert.Equal(t, StepPoem, c.Back())
	assert.Equal(t, StepCustomize, c.Back())
	assert.Equal(t, StepUpload, c.Back())
	assert.Equal(t, StepUpload, c.Back())
}

func TestOversizedUploadNeverReachesServer(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)

	err := c.StageFile("big.jpg", "image/jpeg", make([]byte, 6<<20), intake.SourceGallery)
	require.ErrorIs(t, err, intake.ErrTooLarge)

	v := c.View()
	assert.Contains(t, v.Intake.Error, "exceeds the 5MB limit")
	assert.False(t, v.Intake.HasImage)

	assert.ErrorIs(t, c.Analyze(context.Background()), ErrNoImage)
	assert.Equal(t, "Please upload an image first.", c.State().IntakeError)
	assert.Zero(t, api.analyzeCalls.Load())
}

func TestStageAndChangeImage(t *testing.T) {
	c := newController(t, newFakeAPI())
	require.NoError(t, c.StageFile("a.png", "image/png", tinyPNG(t), intake.SourceCamera))

	v := c.View()
	assert.True(t, v.Intake.HasImage)
	assert.Contains(t, v.Intake.PreviewURI, "data:image/png;base64,")
	b, _ := v.Button(ButtonAnalyze)
	assert.True(t, b.Enabled)

	c.ChangeImage()
	v = c.View()
	assert.False(t, v.Intake.HasImage)
	assert.Empty(t, v.Intake.PreviewURI)
	b, _ = v.Button(ButtonAnalyze)
	assert.False(t, b.Enabled)
}

func TestAnalyzeSuccessMovesToCustomize(t *testing.T) {
	api := newFakeAPI()
	c := analyzed(t, api)

	s := c.State()
	assert.Equal(t, StepCustomize, s.Step)
	assert.Equal(t, "an-1", s.AnalysisID)

	v := c.View()
	assert.Len(t, v.Analysis.Candidates, 6)
	assert.Len(t, v.Analysis.Visible, 4)
	assert.Equal(t, 2, v.Analysis.Hidden)
	_, ok := v.Button(ButtonShowAllElement)
	assert.True(t, ok)

	c.SetShowAllEmphasis(true)
	assert.Len(t, c.View().Analysis.Visible, 6)
}

func TestAnalyzeServerErrorShownVerbatim(t *testing.T) {
	api := newFakeAPI()
	api.analyze = func(poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
		return poemapi.AnalyzeResponse{}, &poemapi.APIError{Status: 400, Message: "no face detected"}
	}
	c := newController(t, api)
	require.NoError(t, c.StageFile("a.png", "image/png", tinyPNG(t), ""))

	err := c.Analyze(context.Background())
	require.Error(t, err)

	v := c.View()
	assert.Equal(t, StepUpload, v.Step)
	assert.Equal(t, "no face detected", v.Intake.Error)
	b, _ := v.Button(ButtonAnalyze)
	assert.True(t, b.Enabled, "analyze is re-enabled after a failure")
	assert.False(t, b.Busy)
}

func TestAnalyzeTransportErrorUsesGenericMessage(t *testing.T) {
	api := newFakeAPI()
	api.analyze = func(poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
		return poemapi.AnalyzeResponse{}, &poemapi.StatusError{Status: 502, Body: "<html>bad gateway</html>"}
	}
	c := newController(t, api)
	require.NoError(t, c.StageFile("a.png", "image/png", tinyPNG(t), ""))

	require.Error(t, c.Analyze(context.Background()))
	assert.Equal(t, msgAnalyzeFailed, c.State().IntakeError)
}

func TestAnalyzeWithoutResults(t *testing.T) {
	api := newFakeAPI()
	api.analyze = func(poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
		return poemapi.AnalyzeResponse{AnalysisID: "an-2"}, nil
	}
	c := newController(t, api)
	require.NoError(t, c.StageFile("a.png", "image/png", tinyPNG(t), ""))

	assert.ErrorIs(t, c.Analyze(context.Background()), ErrNoResults)
	s := c.State()
	assert.Equal(t, StepUpload, s.Step)
	assert.Equal(t, msgNoResults, s.IntakeError)
	assert.Empty(t, s.AnalysisID)

	assert.ErrorIs(t, c.GeneratePoem(context.Background()), ErrAnalysisMissing)
	assert.Zero(t, api.generateCalls.Load())
}

func TestBusyActionRejectsSecondCall(t *testing.T) {
	api := newFakeAPI()
	release := make(chan struct{})
	entered := make(chan struct{})
	api.analyze = func(poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error) {
		close(entered)
		<-release
		return poemapi.AnalyzeResponse{AnalysisID: "an-1", Results: sampleResults()}, nil
	}
	c := newController(t, api)
	require.NoError(t, c.StageFile("a.png", "image/png", tinyPNG(t), ""))

	done := make(chan error, 1)
	go func() { done <- c.Analyze(context.Background()) }()
	<-entered

	assert.True(t, c.Busy(ActionAnalyze))
	b, _ := c.View().Button(ButtonAnalyze)
	assert.False(t, b.Enabled)
	assert.True(t, b.Busy)

	assert.ErrorIs(t, c.Analyze(context.Background()), ErrBusy)
	assert.Equal(t, int32(1), api.analyzeCalls.Load())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Busy(ActionAnalyze))
}

func TestToggleEmphasisBound(t *testing.T) {
	c := analyzed(t, newFakeAPI())

	for _, v := range []string{"Sky", "beach", "joy"} {
		on, err := c.ToggleEmphasis(v)
		require.NoError(t, err)
		assert.True(t, on)
	}

	on, err := c.ToggleEmphasis("Pier")
	assert.ErrorIs(t, err, analysis.ErrEmphasisLimit)
	assert.False(t, on)
	assert.Equal(t, "You can select up to 3 elements to emphasize.", c.View().EmphasisWarning)
	assert.Equal(t, []string{"Sky", "Beach", "joy"}, c.State().Emphasis, "values take the analysis spelling")

	_, err = c.ToggleEmphasis("volcano")
	assert.ErrorIs(t, err, ErrUnknownEmphasis)
	assert.Empty(t, c.View().EmphasisWarning)

	on, err = c.ToggleEmphasisAt(0)
	require.NoError(t, err)
	assert.False(t, on, "index 0 is Sky, which was selected")

	_, err = c.ToggleEmphasisAt(99)
	assert.ErrorIs(t, err, ErrUnknownEmphasis)
}

func TestGeneratePoemSendsSelections(t *testing.T) {
	api := newFakeAPI()
	c := analyzed(t, api)
	_, err := c.ToggleEmphasis("Beach")
	require.NoError(t, err)
	c.SetCustomPrompt(poemapi.CustomPrompt{Category: "pet", Name: "Rex"})
	c.SetPromptDetails("  he loves the sea ")

	require.NoError(t, c.GeneratePoem(context.Background()))

	want := poemapi.GeneratePoemRequest{
		AnalysisID: "an-1",
		PoemType:   "free verse",
		PoemLength: "short",
		Emphasis:   []string{"Beach"},
		CustomPrompt: poemapi.CustomPrompt{
			Category: "pet", Name: "Rex", Details: "he loves the sea",
		},
	}
	if diff := cmp.Diff(want, api.lastGenerate); diff != "" {
		t.Fatalf("generate request mismatch (-want +got):\n%s", diff)
	}

	s := c.State()
	assert.Equal(t, StepPoem, s.Step)
	assert.Equal(t, "Waves fold the light", s.Poem)

	require.NoError(t, c.RegeneratePoem(context.Background()))
	assert.True(t, api.lastGenerate.IsRegeneration)
}

func TestGenerateWithoutEmphasisSendsEmptyList(t *testing.T) {
	api := newFakeAPI()
	c := analyzed(t, api)

	require.NoError(t, c.GeneratePoem(context.Background()))
	assert.NotNil(t, api.lastGenerate.Emphasis)
	assert.Empty(t, api.lastGenerate.Emphasis)
}

func TestGenerateFailureKeepsStep(t *testing.T) {
	api := newFakeAPI()
	api.generate = func(poemapi.GeneratePoemRequest) (poemapi.GeneratePoemResponse, error) {
		return poemapi.GeneratePoemResponse{}, errors.New("connection reset")
	}
	c := analyzed(t, api)

	require.Error(t, c.GeneratePoem(context.Background()))

	v := c.View()
	assert.Equal(t, StepCustomize, v.Step)
	assert.Equal(t, msgGenerateFailed, v.Notice)
	b, _ := v.Button(ButtonGenerate)
	assert.True(t, b.Enabled)
}

func TestMissingAnalysisIDRestarts(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	require.NoError(t, c.GoToStep(StepCustomize))

	assert.ErrorIs(t, c.GeneratePoem(context.Background()), ErrAnalysisMissing)
	s := c.State()
	assert.Equal(t, StepUpload, s.Step)
	assert.Equal(t, "Your session has expired. Please upload your image again.", s.Notice)

	require.NoError(t, c.GoToStep(StepPoem))
	assert.ErrorIs(t, c.CreateFinalImage(context.Background()), ErrAnalysisMissing)
	assert.Equal(t, StepUpload, c.State().Step)

	assert.Zero(t, api.generateCalls.Load())
	assert.Zero(t, api.finalCalls.Load())
}

func TestCreateFinalImageQueuesEvent(t *testing.T) {
	api := newFakeAPI()
	c := analyzed(t, api)
	require.NoError(t, c.GeneratePoem(context.Background()))

	require.NoError(t, c.CreateFinalImage(context.Background()))
	assert.Equal(t, poemapi.CreateFinalImageRequest{AnalysisID: "an-1", FrameStyle: "classic"}, api.lastFinal)

	s := c.State()
	assert.Equal(t, StepShare, s.Step)
	assert.Equal(t, "abc123", s.ShareCode)

	events := c.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, FinalImageCreated{AnalysisID: "an-1", ShareCode: "abc123", Image: []byte{0xff, 0xd8}}, events[0])
	assert.Empty(t, c.DrainEvents(), "events are handed out once")
}

func TestCreateFinalImageServerError(t *testing.T) {
	api := newFakeAPI()
	api.final = func(poemapi.CreateFinalImageRequest) (poemapi.CreateFinalImageResponse, error) {
		return poemapi.CreateFinalImageResponse{}, &poemapi.APIError{Status: 404, Message: "Analysis not found"}
	}
	c := analyzed(t, api)
	require.NoError(t, c.GeneratePoem(context.Background()))

	require.Error(t, c.CreateFinalImage(context.Background()))
	s := c.State()
	assert.Equal(t, StepPoem, s.Step)
	assert.Equal(t, "Analysis not found", s.Notice)
	assert.Empty(t, c.DrainEvents())
}

func TestStartOverResets(t *testing.T) {
	api := newFakeAPI()
	c := analyzed(t, api)
	_, err := c.ToggleEmphasis("Sky")
	require.NoError(t, err)
	require.NoError(t, c.GeneratePoem(context.Background()))
	require.NoError(t, c.CreateFinalImage(context.Background()))

	c.StartOver()

	s := c.State()
	assert.Equal(t, StepUpload, s.Step)
	assert.Empty(t, s.AnalysisID)
	assert.Nil(t, s.Image)
	assert.Nil(t, s.Analysis)
	assert.Empty(t, s.Emphasis)
	assert.Empty(t, s.Poem)
	assert.Empty(t, s.ShareCode)
	assert.Equal(t, "classic", s.Frame)
}

func TestLoadCatalogsAndGatedSelection(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)

	require.NoError(t, c.LoadCatalogs(context.Background()))

	v := c.View()
	want := []FeatureOption{
		{ID: "free verse", Name: "Free Verse", Category: "standard", Selected: true},
		{ID: "haiku", Name: "Haiku", Category: "classical", Locked: true},
	}
	if diff := cmp.Diff(want, v.PoemTypes); diff != "" {
		t.Fatalf("poem types mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, v.Frames, 2)
	assert.Len(t, v.PoemLengths, 2)
	assert.False(t, v.Premium)

	d := c.SelectPoemType(context.Background(), "haiku")
	assert.False(t, d.Allowed)
	assert.Equal(t, "free verse", d.Value)
	require.NotNil(t, d.Prompt)
	assert.Equal(t, "This poem type is only available to Premium members. Upgrade to unlock all poem types!", d.Prompt.Message)
	assert.Equal(t, "free verse", c.State().PoemType)
	assert.Zero(t, api.accessCalls.Load(), "primed cache answers without a server check")

	d = c.SelectFrame(context.Background(), "ornate")
	assert.False(t, d.Allowed)
	assert.Equal(t, "classic", c.State().Frame)

	d = c.SelectPoemLength(context.Background(), "short")
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Prompt)
}

func TestLoadCatalogsPremiumRestoresSelection(t *testing.T) {
	api := newFakeAPI()
	api.poemTypes.IsPremium = true
	api.frames.IsPremium = true
	api.lengths.IsPremium = true
	c := newController(t, api)
	require.NoError(t, c.LoadCatalogs(context.Background()))

	assert.True(t, c.SelectPoemType(context.Background(), "haiku").Allowed)
	require.NoError(t, c.LoadCatalogs(context.Background()))
	assert.Equal(t, "haiku", c.State().PoemType, "still offered, so kept")

	api.poemTypes = poemapi.Catalog{Features: []poemapi.FeatureDescriptor{{ID: "free verse", IsFree: true}}}
	require.NoError(t, c.LoadCatalogs(context.Background()))
	assert.Equal(t, "free verse", c.State().PoemType, "gone from the catalog, so reset")
}

func TestLoadCatalogsFailureFallsBackToEmpty(t *testing.T) {
	api := newFakeAPI()
	api.catalogErr = errors.New("timeout")
	c := newController(t, api)

	err := c.LoadCatalogs(context.Background())
	require.Error(t, err)

	v := c.View()
	assert.Empty(t, v.PoemTypes)
	assert.Len(t, v.Frames, 2)
	assert.Equal(t, "free verse", v.PoemType)
}

func TestUncachedSelectionAsksServer(t *testing.T) {
	api := newFakeAPI()
	api.access = poemapi.AccessResponse{HasAccess: true, IsPremium: true}
	c := newController(t, api)

	d := c.SelectFrame(context.Background(), "vintage")
	assert.True(t, d.Allowed)
	assert.Equal(t, "vintage", c.State().Frame)
	assert.Equal(t, int32(1), api.accessCalls.Load())
	assert.True(t, c.View().Premium)
}

func TestViewIsDetached(t *testing.T) {
	c := analyzed(t, newFakeAPI())
	require.NoError(t, c.GeneratePoem(context.Background()))
	require.NoError(t, c.CreateFinalImage(context.Background()))

	v := c.View()
	v.FinalImage[0] = 0
	assert.Equal(t, []byte{0xff, 0xd8}, c.State().FinalImage)
}
