package handlers

import "strings"

type intent string

const (
	intentNone        intent = ""
	intentAnalyze     intent = "analyze"
	intentBack        intent = "back"
	intentStartOver   intent = "start_over"
	intentGenerate    intent = "generate"
	intentRegenerate  intent = "regenerate"
	intentCreateFinal intent = "create_final"
	intentHelp        intent = "help"
)

// textIntent maps a short free-text reply onto a wizard action. Longer
// messages are never treated as commands.
func textIntent(text string) intent {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, ".!?")
	if t == "" || len(strings.Fields(t)) > 3 {
		return intentNone
	}

	keywords := []struct {
		intent intent
		words  []string
	}{
		{intentStartOver, []string{"start over", "restart", "new photo", "reset"}},
		{intentRegenerate, []string{"regenerate", "again", "another one", "try again"}},
		{intentCreateFinal, []string{"create", "final", "frame it", "finish"}},
		{intentGenerate, []string{"generate", "poem", "write"}},
		{intentAnalyze, []string{"analyze", "analyse", "scan"}},
		{intentBack, []string{"back", "previous"}},
		{intentHelp, []string{"help", "what now"}},
	}

	for _, k := range keywords {
		for _, w := range k.words {
			if t == w || strings.HasPrefix(t, w+" ") {
				return k.intent
			}
		}
	}
	return intentNone
}

func looksLikeDataURI(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "data:")
}
