package handlers

import (
	"fmt"
	"strconv"
	"strings"
)

const callbackPrefix = "pw"

// Callback actions. Telegram caps callback data at 64 bytes, so feature
// and emphasis choices travel as indexes into the rendered lists.
const (
	actAnalyze     = "analyze"
	actChangeImage = "change"
	actBack        = "back"
	actGenerate    = "gen"
	actRegenerate  = "regen"
	actFinal       = "final"
	actStartOver   = "new"
	actEmphasis    = "emph"
	actShowAll     = "more"
	actMenu        = "menu"
	actPoemType    = "pt"
	actFrame       = "fr"
	actLength      = "len"
	actNote        = "note"
	actNoop        = "noop"
)

type callback struct {
	Owner  int64
	Action string
	Arg    string
}

func cb(ownerID int64, parts ...string) string {
	return fmt.Sprintf("%s:%d:%s", callbackPrefix, ownerID, strings.Join(parts, ":"))
}

func parseCallback(data string) (callback, bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 4)
	if len(parts) < 3 || parts[0] != callbackPrefix || parts[2] == "" {
		return callback{}, false
	}

	owner, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return callback{}, false
	}

	out := callback{Owner: owner, Action: parts[2]}
	if len(parts) == 4 {
		out.Arg = parts[3]
	}
	return out, true
}

func (c callback) index() (int, bool) {
	i, err := strconv.Atoi(c.Arg)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}
