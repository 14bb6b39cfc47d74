package wizard

import (
	"poem-vision-bot/internal/analysis"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/poemapi"
)

type Tab struct {
	Step    Step
	Title   string
	Active  bool
	Enabled bool
}

type Pane struct {
	Step   Step
	Active bool
}

type ButtonID string

const (
	ButtonAnalyze        ButtonID = "analyze"
	ButtonChangeImage    ButtonID = "change_image"
	ButtonBackToUpload   ButtonID = "back_upload"
	ButtonGenerate       ButtonID = "generate"
	ButtonBackToCustom   ButtonID = "back_customize"
	ButtonRegenerate     ButtonID = "regenerate"
	ButtonCreateFinal    ButtonID = "create_final"
	ButtonStartOver      ButtonID = "start_over"
	ButtonShowAllElement ButtonID = "show_all"
)

type Button struct {
	ID      ButtonID
	Label   string
	Enabled bool
	// Busy marks a control whose request is in flight.
	Busy bool
}

type IntakeView struct {
	HasImage   bool
	PreviewURI string
	Filename   string
	MimeType   string
	Size       int64
	Error      string
}

// FeatureOption is one entry of a poem type, frame or length picker.
type FeatureOption struct {
	ID       string
	Name     string
	Category string
	Locked   bool
	Selected bool
}

// View is the render input for frontends. It is built fresh on every call
// and shares nothing mutable with the controller.
type View struct {
	Step  Step
	Tabs  []Tab
	Panes []Pane
	// Buttons holds the controls of the active step in display order.
	Buttons []Button

	Intake          IntakeView
	Analysis        analysis.View
	EmphasisWarning string

	PoemTypes    []FeatureOption
	Frames       []FeatureOption
	PoemLengths  []FeatureOption
	PoemType     string
	PoemLength   string
	Frame        string
	CustomPrompt poemapi.CustomPrompt

	Poem       string
	FinalImage []byte
	ShareCode  string

	Notice  string
	Premium bool
}

// Button looks up a control of the active step.
func (v View) Button(id ButtonID) (Button, bool) {
	for _, b := range v.Buttons {
		if b.ID == id {
			return b, true
		}
	}
	return Button{}, false
}

func (c *Controller) View() View {
	premium := c.gate.IsPremium()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snapshotLocked()
	v := View{
		Step:            s.Step,
		Tabs:            tabs(s.Step),
		Panes:           panes(s.Step),
		Buttons:         c.buttonsLocked(s),
		EmphasisWarning: s.EmphasisWarning,
		PoemType:        s.PoemType,
		PoemLength:      s.PoemLength,
		Frame:           s.Frame,
		CustomPrompt:    s.CustomPrompt,
		Poem:            s.Poem,
		FinalImage:      s.FinalImage,
		ShareCode:       s.ShareCode,
		Notice:          s.Notice,
		Premium:         premium,
	}

	v.Intake.Error = s.IntakeError
	if s.Image != nil {
		v.Intake.HasImage = true
		v.Intake.PreviewURI = s.Image.DataURI()
		v.Intake.Filename = s.Image.Filename
		v.Intake.MimeType = s.Image.MimeType
		v.Intake.Size = s.Image.Size()
	}

	v.Analysis = analysis.Present(s.Analysis, c.selection, analysis.Options{
		VisibleCap: c.visibleCap,
		ShowAll:    s.ShowAllEmphasis,
	})

	v.PoemTypes = c.optionsLocked(entitlement.PoemType, s.PoemType, premium)
	v.Frames = c.optionsLocked(entitlement.Frame, s.Frame, premium)
	v.PoemLengths = c.optionsLocked(entitlement.PoemLength, s.PoemLength, premium)
	return v
}

func tabs(step Step) []Tab {
	out := make([]Tab, 0, stepCount)
	for i := StepUpload; i <= StepShare; i++ {
		out = append(out, Tab{
			Step:    i,
			Title:   i.Title(),
			Active:  i == step,
			Enabled: i <= step,
		})
	}
	return out
}

func panes(step Step) []Pane {
	out := make([]Pane, 0, stepCount)
	for i := StepUpload; i <= StepShare; i++ {
		out = append(out, Pane{Step: i, Active: i == step})
	}
	return out
}

func (c *Controller) buttonsLocked(s State) []Button {
	hasImage := s.Image != nil
	analyzing := c.busy[ActionAnalyze]
	generating := c.busy[ActionGenerate]
	finalizing := c.busy[ActionCreateFinal]

	switch s.Step {
	case StepUpload:
		return []Button{
			{ID: ButtonAnalyze, Label: "Analyze Image", Enabled: hasImage && !analyzing, Busy: analyzing},
			{ID: ButtonChangeImage, Label: "Change Image", Enabled: hasImage && !analyzing},
		}
	case StepCustomize:
		out := []Button{
			{ID: ButtonBackToUpload, Label: "Back", Enabled: true},
			{ID: ButtonGenerate, Label: "Generate Poem", Enabled: !generating, Busy: generating},
		}
		if len(analysis.Candidates(s.Analysis)) > c.visibleCap {
			label := "Show all"
			if s.ShowAllEmphasis {
				label = "Show less"
			}
			out = append(out, Button{ID: ButtonShowAllElement, Label: label, Enabled: true})
		}
		return out
	case StepPoem:
		return []Button{
			{ID: ButtonBackToCustom, Label: "Back", Enabled: true},
			{ID: ButtonRegenerate, Label: "Regenerate", Enabled: !generating, Busy: generating},
			{ID: ButtonCreateFinal, Label: "Create Final Image", Enabled: !finalizing, Busy: finalizing},
		}
	case StepShare:
		return []Button{
			{ID: ButtonStartOver, Label: "Start Over", Enabled: true},
		}
	}
	return nil
}

func (c *Controller) optionsLocked(ft entitlement.FeatureType, selected string, premium bool) []FeatureOption {
	cat := c.catalogs[ft]
	out := make([]FeatureOption, 0, len(cat.Features))
	for _, f := range cat.Features {
		name := f.DisplayName
		if name == "" {
			name = f.ID
		}
		out = append(out, FeatureOption{
			ID:       f.ID,
			Name:     name,
			Category: f.Category,
			Locked:   !f.IsFree && !premium,
			Selected: f.ID == selected,
		})
	}
	return out
}
