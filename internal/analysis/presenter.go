package analysis

import (
	"fmt"
	"strconv"
	"strings"

	"poem-vision-bot/internal/poemapi"
)

const (
	DefaultVisibleCap = 4
	personScoreMin    = 50
)

type Kind string

const (
	KindLabel    Kind = "label"
	KindObject   Kind = "object"
	KindEmotion  Kind = "emotion"
	KindLandmark Kind = "landmark"
)

var trackedEmotions = []string{"joy", "sorrow", "anger", "surprise"}

// Badge is one detection chip. Value is the emphasis value the chip toggles.
type Badge struct {
	Kind     Kind
	Text     string
	Value    string
	Selected bool
}

type Group struct {
	Kind    Kind
	Title   string
	Summary string
	Badges  []Badge
	// Empty is the sentence shown when the group has nothing to list.
	Empty string
}

type Candidate struct {
	Kind     Kind
	Value    string
	Display  string
	Selected bool
}

type Options struct {
	VisibleCap int
	ShowAll    bool
}

type View struct {
	Groups      []Group
	Candidates  []Candidate
	Visible     []Candidate
	Hidden      int
	ShowAll     bool
	Selected    []string
	Max         int
	LimitHit    bool
	PersonCount int
}

// Present builds the read-only view of an analysis result. A nil result
// yields an empty view.
func Present(res *poemapi.AnalysisResult, sel *Selection, opts Options) View {
	if res == nil {
		return View{}
	}
	if sel == nil {
		sel = NewSelection(0)
	}

	capN := opts.VisibleCap
	if capN <= 0 {
		capN = DefaultVisibleCap
	}

	cands := Candidates(res)
	for i := range cands {
		cands[i].Selected = sel.Contains(cands[i].Value)
	}

	visible := cands
	hidden := 0
	if !opts.ShowAll && len(cands) > capN {
		visible = cands[:capN]
		hidden = len(cands) - capN
	}

	return View{
		Groups:      groups(res, sel),
		Candidates:  cands,
		Visible:     append([]Candidate{}, visible...),
		Hidden:      hidden,
		ShowAll:     opts.ShowAll,
		Selected:    sel.Values(),
		Max:         sel.Max(),
		LimitHit:    sel.Full(),
		PersonCount: PersonCount(res),
	}
}

// Candidates lists one emphasis candidate per distinct label, object,
// emotion and landmark. The first spelling seen wins.
func Candidates(res *poemapi.AnalysisResult) []Candidate {
	if res == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []Candidate
	add := func(kind Kind, value, display string) {
		value = strings.TrimSpace(value)
		if value == "" || seen[key(value)] {
			return
		}
		seen[key(value)] = true
		out = append(out, Candidate{Kind: kind, Value: value, Display: display})
	}

	for _, l := range res.Labels {
		add(KindLabel, l.Description, strings.TrimSpace(l.Description))
	}
	for _, o := range res.Objects {
		add(KindObject, o.Name, strings.TrimSpace(o.Name))
	}
	for _, e := range Emotions(res.Faces) {
		add(KindEmotion, e, capitalize(e))
	}
	for _, l := range res.Landmarks {
		add(KindLandmark, l.Description, strings.TrimSpace(l.Description))
	}
	return out
}

// Emotions returns the distinct tracked emotions that any face shows as
// LIKELY or VERY_LIKELY, in face order.
func Emotions(faces []poemapi.Face) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range faces {
		for _, e := range trackedEmotions {
			switch f.Likelihood(e) {
			case "LIKELY", "VERY_LIKELY":
				if !seen[e] {
					seen[e] = true
					out = append(out, e)
				}
			}
		}
	}
	return out
}

// PersonCount is a hint for how many people are in the photo: the larger of
// the face count and confident "person" objects.
func PersonCount(res *poemapi.AnalysisResult) int {
	if res == nil {
		return 0
	}
	people := 0
	for _, o := range res.Objects {
		if strings.EqualFold(strings.TrimSpace(o.Name), "person") && o.Score >= personScoreMin {
			people++
		}
	}
	return max(len(res.Faces), people)
}

func groups(res *poemapi.AnalysisResult, sel *Selection) []Group {
	labels := Group{Kind: KindLabel, Title: "Labels", Empty: "No labels detected."}
	for _, l := range res.Labels {
		labels.Badges = append(labels.Badges, scoredBadge(KindLabel, l.Description, l.Score, sel))
	}

	objects := Group{Kind: KindObject, Title: "Objects", Empty: "No objects detected."}
	for _, o := range res.Objects {
		objects.Badges = append(objects.Badges, scoredBadge(KindObject, o.Name, o.Score, sel))
	}

	faces := Group{Kind: KindEmotion, Title: "Faces", Empty: "No faces detected."}
	if n := len(res.Faces); n > 0 {
		emotions := Emotions(res.Faces)
		if len(emotions) > 0 {
			faces.Summary = fmt.Sprintf("%s detected with emotions:", faceCount(n))
		} else {
			faces.Summary = fmt.Sprintf("%s detected.", faceCount(n))
		}
		for _, e := range emotions {
			faces.Badges = append(faces.Badges, Badge{Kind: KindEmotion, Text: e, Value: e, Selected: sel.Contains(e)})
		}
	}

	landmarks := Group{Kind: KindLandmark, Title: "Landmarks", Empty: "No landmarks detected."}
	for _, l := range res.Landmarks {
		landmarks.Badges = append(landmarks.Badges, scoredBadge(KindLandmark, l.Description, l.Score, sel))
	}

	return []Group{labels, objects, faces, landmarks}
}

func scoredBadge(kind Kind, desc string, score float64, sel *Selection) Badge {
	desc = strings.TrimSpace(desc)
	return Badge{
		Kind:     kind,
		Text:     fmt.Sprintf("%s (%s%%)", desc, strconv.FormatFloat(score, 'f', -1, 64)),
		Value:    desc,
		Selected: sel.Contains(desc),
	}
}

func faceCount(n int) string {
	if n == 1 {
		return "1 face"
	}
	return fmt.Sprintf("%d faces", n)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
