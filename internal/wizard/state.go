package wizard

import (
	"errors"

	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/poemapi"
)

type Step int

const (
	StepUpload Step = iota + 1
	StepCustomize
	StepPoem
	StepShare
)

const stepCount = 4

func (s Step) Valid() bool {
	return s >= StepUpload && s <= StepShare
}

func (s Step) Title() string {
	switch s {
	case StepUpload:
		return "Upload"
	case StepCustomize:
		return "Customize"
	case StepPoem:
		return "Poem"
	case StepShare:
		return "Share"
	default:
		return ""
	}
}

// Action names a network-backed control. Each has its own busy flag.
type Action string

const (
	ActionAnalyze     Action = "analyze"
	ActionGenerate    Action = "generate"
	ActionCreateFinal Action = "create_final"
)

var (
	ErrInvalidStep     = errors.New("invalid step")
	ErrBusy            = errors.New("action already in progress")
	ErrAnalysisMissing = errors.New("analysis id missing")
	ErrNoImage         = errors.New("no image staged")
	ErrNoResults       = errors.New("analysis returned no results")
	ErrUnknownEmphasis = errors.New("unknown emphasis element")
)

const (
	msgNoImage         = "Please upload an image first."
	msgSessionExpired  = "Your session has expired. Please upload your image again."
	msgNoResults       = "Failed to process image analysis results. Please try again."
	msgAnalyzeFailed   = "An error occurred while analyzing the image. Please try again. If this issue persists, try with a smaller image."
	msgGenerateFailed  = "An error occurred while generating the poem. Please try again."
	msgFinalFailed     = "An error occurred while creating the final image. Please try again."
	msgEmphasisLimitFm = "You can select up to %d elements to emphasize."
)

// State is a snapshot of one wizard session. Image, Emphasis and
// FinalImage are copies; Analysis is shared and must not be modified.
type State struct {
	Step       Step
	AnalysisID string

	Image       *intake.Image
	IntakeError string

	Analysis        *poemapi.AnalysisResult
	Emphasis        []string
	MaxEmphasis     int
	ShowAllEmphasis bool
	EmphasisWarning string

	PoemType     string
	PoemLength   string
	Frame        string
	CustomPrompt poemapi.CustomPrompt

	Poem       string
	FinalImage []byte
	ShareCode  string

	// Notice is the latest failure or session message outside step 1.
	Notice string
}

// FinalImageCreated is queued when a composite is ready to share.
type FinalImageCreated struct {
	AnalysisID string
	ShareCode  string
	Image      []byte
}

func initialState(gate *entitlement.Gate, maxEmphasis int) State {
	return State{
		Step:        StepUpload,
		MaxEmphasis: maxEmphasis,
		PoemType:    gate.Default(entitlement.PoemType),
		PoemLength:  gate.Default(entitlement.PoemLength),
		Frame:       gate.Default(entitlement.Frame),
	}
}

func (s State) clone() State {
	out := s
	if s.Image != nil {
		img := *s.Image
		out.Image = &img
	}
	out.Emphasis = append([]string(nil), s.Emphasis...)
	out.FinalImage = append([]byte(nil), s.FinalImage...)
	if len(s.FinalImage) == 0 {
		out.FinalImage = nil
	}
	return out
}
