package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"poem-vision-bot/internal/analysis"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/poemapi"
)

// API is the slice of the remote service the wizard drives.
type API interface {
	AnalyzeImage(ctx context.Context, req poemapi.AnalyzeRequest) (poemapi.AnalyzeResponse, error)
	GeneratePoem(ctx context.Context, req poemapi.GeneratePoemRequest) (poemapi.GeneratePoemResponse, error)
	CreateFinalImage(ctx context.Context, req poemapi.CreateFinalImageRequest) (poemapi.CreateFinalImageResponse, error)
	AvailablePoemTypes(ctx context.Context) (poemapi.Catalog, error)
	AvailableFrames(ctx context.Context) (poemapi.Catalog, error)
	AvailablePoemLengths(ctx context.Context) (poemapi.Catalog, error)
}

type Options struct {
	API  API
	Gate *entitlement.Gate
	// Intake validates uploads. Defaults to a 5MB limit.
	Intake *intake.Intake
	// Profile and OptimizeAbove control the pre-submission downscale.
	// OptimizeAbove <= 0 sends images as staged.
	Profile         intake.Profile
	OptimizeAbove   int64
	MaxEmphasis     int
	VisibleEmphasis int
	Logger          *slog.Logger
}

// Controller owns one wizard session. Its methods are safe for concurrent
// use; the lock is never held across a network call.
type Controller struct {
	api           API
	gate          *entitlement.Gate
	intake        *intake.Intake
	profile       intake.Profile
	optimizeAbove int64
	visibleCap    int
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	selection *analysis.Selection
	busy      map[Action]bool
	catalogs  map[entitlement.FeatureType]poemapi.Catalog
	events    []FinalImageCreated
}

func New(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("wizard api is nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	gate := opts.Gate
	if gate == nil {
		checker, _ := opts.API.(entitlement.Checker)
		gate = entitlement.NewGate(entitlement.Options{Checker: checker, Logger: logger})
	}

	in := opts.Intake
	if in == nil {
		in = intake.New(intake.Options{Logger: logger})
	}

	profile := opts.Profile
	if profile.MaxWidth <= 0 || profile.MaxHeight <= 0 {
		profile = intake.DesktopProfile()
	}

	visibleCap := opts.VisibleEmphasis
	if visibleCap <= 0 {
		visibleCap = analysis.DefaultVisibleCap
	}

	selection := analysis.NewSelection(opts.MaxEmphasis)

	return &Controller{
		api:           opts.API,
		gate:          gate,
		intake:        in,
		profile:       profile,
		optimizeAbove: opts.OptimizeAbove,
		visibleCap:    visibleCap,
		logger:        logger,
		state:         initialState(gate, selection.Max()),
		selection:     selection,
		busy:          make(map[Action]bool),
		catalogs:      make(map[entitlement.FeatureType]poemapi.Catalog),
	}, nil
}

func (c *Controller) Gate() *entitlement.Gate {
	return c.gate
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) Busy(a Action) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[a]
}

// GoToStep moves to step without checking prerequisites.
func (c *Controller) GoToStep(step Step) error {
	if !step.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStep, step)
	}
	c.mu.Lock()
	c.state.Step = step
	c.mu.Unlock()
	return nil
}

func (c *Controller) Back() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Step > StepUpload {
		c.state.Step--
	}
	return c.state.Step
}

// StartOver clears the session and returns to the upload step. Poem type,
// length, custom prompt and the access cache carry over.
func (c *Controller) StartOver() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked("")
}

func (c *Controller) resetLocked(notice string) {
	keep := c.state
	c.selection.Clear()
	c.state = initialState(c.gate, c.selection.Max())
	c.state.PoemType = keep.PoemType
	c.state.PoemLength = keep.PoemLength
	c.state.CustomPrompt = keep.CustomPrompt
	c.state.Notice = notice
}

func (c *Controller) StageFile(filename, mimeType string, data []byte, source intake.Source) error {
	img, err := c.intake.StageFile(filename, mimeType, data, source)
	return c.stage(img, err)
}

func (c *Controller) StageDataURI(uri string) error {
	img, err := c.intake.StageDataURI(uri)
	return c.stage(img, err)
}

func (c *Controller) stage(img intake.Image, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state.IntakeError = userMessage(err, err.Error())
		return err
	}
	c.state.Image = &img
	c.state.IntakeError = ""
	return nil
}

// CheckUploadSize records the size error for an upload that is too large
// to fetch. The staged image, if any, is kept.
func (c *Controller) CheckUploadSize(size int64) error {
	err := c.intake.CheckSize(size)
	if err == nil {
		return nil
	}
	c.mu.Lock()
	c.state.IntakeError = userMessage(err, err.Error())
	c.mu.Unlock()
	return err
}

// ChangeImage drops the staged image so a new one can be picked.
func (c *Controller) ChangeImage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Image = nil
	c.state.IntakeError = ""
}

func (c *Controller) Analyze(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Image == nil {
		c.state.IntakeError = msgNoImage
		c.mu.Unlock()
		return ErrNoImage
	}
	if c.busy[ActionAnalyze] {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy[ActionAnalyze] = true
	c.state.IntakeError = ""
	img := *c.state.Image
	c.mu.Unlock()

	img = c.intake.Optimize(img, c.profile, c.optimizeAbove)
	resp, err := c.api.AnalyzeImage(ctx, poemapi.AnalyzeRequest{
		Data:     img.Data,
		MimeType: img.MimeType,
		Filename: img.Filename,
		DataURI:  img.DataURI(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[ActionAnalyze] = false

	if err != nil {
		c.logger.Warn("analyze failed", "err", err)
		c.state.IntakeError = userMessage(err, msgAnalyzeFailed)
		return fmt.Errorf("analyze image: %w", err)
	}

	if resp.Results == nil {
		c.logger.Warn("analyze returned no results", "analysis_id", resp.AnalysisID)
		c.state.IntakeError = msgNoResults
		return ErrNoResults
	}

	c.state.AnalysisID = resp.AnalysisID
	c.selection.Clear()
	c.state.Analysis = resp.Results
	c.state.ShowAllEmphasis = false
	c.state.EmphasisWarning = ""
	c.state.Poem = ""
	c.state.FinalImage = nil
	c.state.ShareCode = ""
	c.state.Notice = ""
	c.state.Step = StepCustomize

	c.logger.Info("image analyzed", "analysis_id", resp.AnalysisID,
		"labels", len(resp.Results.Labels), "faces", len(resp.Results.Faces))
	return nil
}

// ToggleEmphasis flips one analysis element and reports whether it is now
// selected. Past the limit the selection is left alone and a warning is
// recorded.
func (c *Controller) ToggleEmphasis(value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.EmphasisWarning = ""
	canonical, ok := c.candidateLocked(value)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownEmphasis, value)
	}

	on, err := c.selection.Toggle(canonical)
	if errors.Is(err, analysis.ErrEmphasisLimit) {
		c.state.EmphasisWarning = fmt.Sprintf(msgEmphasisLimitFm, c.selection.Max())
	}
	return on, err
}

// ToggleEmphasisAt toggles the candidate at index i of the full candidate
// list.
func (c *Controller) ToggleEmphasisAt(i int) (bool, error) {
	c.mu.Lock()
	cands := analysis.Candidates(c.state.Analysis)
	c.mu.Unlock()

	if i < 0 || i >= len(cands) {
		return false, fmt.Errorf("%w: index %d", ErrUnknownEmphasis, i)
	}
	return c.ToggleEmphasis(cands[i].Value)
}

func (c *Controller) SetShowAllEmphasis(v bool) {
	c.mu.Lock()
	c.state.ShowAllEmphasis = v
	c.mu.Unlock()
}

// candidateLocked resolves value to the spelling the analysis used.
func (c *Controller) candidateLocked(value string) (string, bool) {
	want := strings.TrimSpace(value)
	if want == "" {
		return "", false
	}
	for _, cand := range analysis.Candidates(c.state.Analysis) {
		if strings.EqualFold(cand.Value, want) {
			return cand.Value, true
		}
	}
	return "", false
}

func (c *Controller) SelectPoemType(ctx context.Context, id string) entitlement.Decision {
	return c.selectFeature(ctx, entitlement.PoemType, id)
}

func (c *Controller) SelectFrame(ctx context.Context, id string) entitlement.Decision {
	return c.selectFeature(ctx, entitlement.Frame, id)
}

func (c *Controller) SelectPoemLength(ctx context.Context, id string) entitlement.Decision {
	return c.selectFeature(ctx, entitlement.PoemLength, id)
}

func (c *Controller) selectFeature(ctx context.Context, ft entitlement.FeatureType, id string) entitlement.Decision {
	d := c.gate.Select(ctx, ft, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch ft {
	case entitlement.PoemType:
		c.state.PoemType = d.Value
	case entitlement.Frame:
		c.state.Frame = d.Value
	case entitlement.PoemLength:
		c.state.PoemLength = d.Value
	}

	if !d.Allowed {
		c.logger.Info("premium feature denied", "type", ft, "id", d.Requested)
	}
	return d
}

func (c *Controller) SetCustomPrompt(p poemapi.CustomPrompt) {
	c.mu.Lock()
	c.state.CustomPrompt = p
	c.mu.Unlock()
}

// SetPromptDetails replaces only the free-form part of the custom prompt.
func (c *Controller) SetPromptDetails(details string) {
	c.mu.Lock()
	c.state.CustomPrompt.Details = strings.TrimSpace(details)
	c.mu.Unlock()
}

func (c *Controller) GeneratePoem(ctx context.Context) error {
	return c.generate(ctx, false)
}

func (c *Controller) RegeneratePoem(ctx context.Context) error {
	return c.generate(ctx, true)
}

func (c *Controller) generate(ctx context.Context, regenerate bool) error {
	c.mu.Lock()
	if c.state.AnalysisID == "" {
		c.resetLocked(msgSessionExpired)
		c.mu.Unlock()
		return ErrAnalysisMissing
	}
	if c.busy[ActionGenerate] {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy[ActionGenerate] = true
	c.state.Notice = ""
	req := poemapi.GeneratePoemRequest{
		AnalysisID:     c.state.AnalysisID,
		PoemType:       c.state.PoemType,
		PoemLength:     c.state.PoemLength,
		Emphasis:       c.selection.Values(),
		CustomPrompt:   c.state.CustomPrompt,
		IsRegeneration: regenerate,
	}
	c.mu.Unlock()

	resp, err := c.api.GeneratePoem(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[ActionGenerate] = false

	if err != nil {
		c.logger.Warn("generate poem failed", "analysis_id", req.AnalysisID, "err", err)
		c.state.Notice = userMessage(err, msgGenerateFailed)
		return fmt.Errorf("generate poem: %w", err)
	}

	if resp.AnalysisID != "" {
		c.state.AnalysisID = resp.AnalysisID
	}
	c.state.Poem = resp.Poem
	c.state.FinalImage = nil
	c.state.ShareCode = ""
	c.state.Step = StepPoem
	return nil
}

func (c *Controller) CreateFinalImage(ctx context.Context) error {
	c.mu.Lock()
	if c.state.AnalysisID == "" {
		c.resetLocked(msgSessionExpired)
		c.mu.Unlock()
		return ErrAnalysisMissing
	}
	if c.busy[ActionCreateFinal] {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy[ActionCreateFinal] = true
	c.state.Notice = ""
	req := poemapi.CreateFinalImageRequest{
		AnalysisID: c.state.AnalysisID,
		FrameStyle: c.state.Frame,
	}
	c.mu.Unlock()

	resp, err := c.api.CreateFinalImage(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[ActionCreateFinal] = false

	if err != nil {
		c.logger.Warn("create final image failed", "analysis_id", req.AnalysisID, "err", err)
		c.state.Notice = userMessage(err, msgFinalFailed)
		return fmt.Errorf("create final image: %w", err)
	}

	if resp.ShareCode == "" {
		c.logger.Warn("no share code received", "analysis_id", req.AnalysisID)
	}

	c.state.FinalImage = resp.FinalImage
	c.state.ShareCode = resp.ShareCode
	c.state.Step = StepShare
	c.events = append(c.events, FinalImageCreated{
		AnalysisID: req.AnalysisID,
		ShareCode:  resp.ShareCode,
		Image:      append([]byte(nil), resp.FinalImage...),
	})
	return nil
}

// DrainEvents hands out queued events. Each event is returned once.
func (c *Controller) DrainEvents() []FinalImageCreated {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// LoadCatalogs fetches the three feature catalogs concurrently and primes
// the access gate. A failed fetch leaves that list empty; the joined fetch
// errors are returned for logging.
func (c *Controller) LoadCatalogs(ctx context.Context) error {
	fetches := []struct {
		ft    entitlement.FeatureType
		fetch func(context.Context) (poemapi.Catalog, error)
	}{
		{entitlement.PoemType, c.api.AvailablePoemTypes},
		{entitlement.Frame, c.api.AvailableFrames},
		{entitlement.PoemLength, c.api.AvailablePoemLengths},
	}

	results := make([]poemapi.Catalog, len(fetches))
	errs := make([]error, len(fetches))

	var g errgroup.Group
	for i, f := range fetches {
		g.Go(func() error {
			cat, err := f.fetch(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s catalog: %w", f.ft, err)
				return nil
			}
			results[i] = cat
			return nil
		})
	}
	_ = g.Wait()

	for i, f := range fetches {
		if errs[i] != nil {
			c.logger.Warn("catalog fetch failed", "type", f.ft, "err", errs[i])
			continue
		}
		c.gate.Prime(f.ft, results[i])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range fetches {
		if errs[i] != nil {
			c.catalogs[f.ft] = poemapi.Catalog{}
			continue
		}
		cat := results[i]
		cat.Features = append([]poemapi.FeatureDescriptor(nil), cat.Features...)
		c.catalogs[f.ft] = cat
		c.restoreLocked(f.ft, cat)
	}

	return errors.Join(errs...)
}

// restoreLocked keeps the current selection when the fresh catalog still
// offers it to this user and falls back to the default otherwise.
func (c *Controller) restoreLocked(ft entitlement.FeatureType, cat poemapi.Catalog) {
	current := c.selectedLocked(ft)
	value := c.gate.Default(ft)
	for _, f := range cat.Features {
		if f.ID == current && (f.IsFree || cat.IsPremium) {
			value = current
			break
		}
	}

	switch ft {
	case entitlement.PoemType:
		c.state.PoemType = value
	case entitlement.Frame:
		c.state.Frame = value
	case entitlement.PoemLength:
		c.state.PoemLength = value
	}
}

func (c *Controller) selectedLocked(ft entitlement.FeatureType) string {
	switch ft {
	case entitlement.PoemType:
		return c.state.PoemType
	case entitlement.Frame:
		return c.state.Frame
	case entitlement.PoemLength:
		return c.state.PoemLength
	}
	return ""
}

func (c *Controller) snapshotLocked() State {
	s := c.state.clone()
	s.Emphasis = c.selection.Values()
	s.MaxEmphasis = c.selection.Max()
	return s
}

func userMessage(err error, generic string) string {
	var verr *intake.ValidationError
	if errors.As(err, &verr) && verr.Message != "" {
		return verr.Message
	}
	if msg, ok := poemapi.UserMessage(err); ok {
		return msg
	}
	return generic
}
