package poemapi

import "strings"

type Label struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

type DetectedObject struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Face maps an emotion (joy, sorrow, ...) to a likelihood such as
// "VERY_LIKELY". Non-string values from the analyzer are kept but ignored.
type Face map[string]any

func (f Face) Likelihood(emotion string) string {
	v, ok := f[emotion].(string)
	if !ok {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(v))
}

type AnalysisResult struct {
	Labels    []Label          `json:"labels"`
	Objects   []DetectedObject `json:"objects"`
	Faces     []Face           `json:"faces"`
	Landmarks []Label          `json:"landmarks"`
}

type AnalyzeRequest struct {
	// Data is sent as multipart when present, otherwise DataURI is sent as JSON.
	Data     []byte
	MimeType string
	Filename string
	DataURI  string
}

type AnalyzeResponse struct {
	AnalysisID string          `json:"analysisId"`
	Results    *AnalysisResult `json:"results"`
}

type CustomPrompt struct {
	Category string `json:"category,omitempty"`
	Name     string `json:"name,omitempty"`
	Place    string `json:"place,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
	Action   string `json:"action,omitempty"`
	Details  string `json:"additionalDetails,omitempty"`
}

func (p CustomPrompt) IsZero() bool {
	return p == CustomPrompt{}
}

type GeneratePoemRequest struct {
	AnalysisID     string       `json:"analysisId"`
	PoemType       string       `json:"poemType"`
	PoemLength     string       `json:"poemLength,omitempty"`
	Emphasis       []string     `json:"emphasis"`
	CustomPrompt   CustomPrompt `json:"customPrompt"`
	IsRegeneration bool         `json:"isRegeneration"`
}

type GeneratePoemResponse struct {
	Poem       string `json:"poem"`
	AnalysisID string `json:"analysisId,omitempty"`
}

type CreateFinalImageRequest struct {
	AnalysisID string `json:"analysisId"`
	FrameStyle string `json:"frameStyle,omitempty"`
}

type CreateFinalImageResponse struct {
	FinalImage []byte
	ShareCode  string
}

type FeatureDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	IsFree      bool   `json:"free"`
	Category    string `json:"category,omitempty"`
}

type Catalog struct {
	IsPremium bool
	Features  []FeatureDescriptor
}

type AccessResponse struct {
	HasAccess bool `json:"has_access"`
	IsPremium bool `json:"is_premium"`
}
