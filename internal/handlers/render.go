package handlers

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"poem-vision-bot/internal/analysis"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/session"
	"poem-vision-bot/internal/share"
	"poem-vision-bot/internal/wizard"
)

const poemPreviewRunes = 900

func viewText(v wizard.View, menu session.Menu, awaitingNote bool) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("✍️ Photo Poem · Step %d/4 · %s\n", v.Step, v.Step.Title()))
	b.WriteString(tabLine(v.Tabs) + "\n\n")

	if v.Notice != "" {
		b.WriteString("⚠️ " + v.Notice + "\n\n")
	}

	switch v.Step {
	case wizard.StepUpload:
		writeUpload(&b, v)
	case wizard.StepCustomize:
		writeCustomize(&b, v, menu)
	case wizard.StepPoem:
		writePoem(&b, v, menu)
	case wizard.StepShare:
		writeShare(&b, v)
	}

	if awaitingNote {
		b.WriteString("\n📝 Send a short note about the photo (names, place, feelings). /cancel to stop.\n")
	}
	return strings.TrimSpace(b.String())
}

func tabLine(tabs []wizard.Tab) string {
	parts := make([]string, 0, len(tabs))
	for _, t := range tabs {
		switch {
		case t.Active:
			parts = append(parts, "["+t.Title+"]")
		case t.Enabled:
			parts = append(parts, t.Title)
		default:
			parts = append(parts, "·")
		}
	}
	return strings.Join(parts, " › ")
}

func writeUpload(b *strings.Builder, v wizard.View) {
	if v.Intake.HasImage {
		name := v.Intake.Filename
		if name == "" {
			name = "photo"
		}
		b.WriteString(fmt.Sprintf("Image: %s (%s) ✅\n", name, humanSize(v.Intake.Size)))
		if btn, ok := v.Button(wizard.ButtonAnalyze); ok && btn.Busy {
			b.WriteString("🔎 Analyzing your image…\n")
		} else {
			b.WriteString("Tap Analyze Image, or send another photo to replace it.\n")
		}
	} else {
		b.WriteString("📷 Send a photo or an image file (JPEG, PNG, up to 5MB) to begin.\n")
	}
	if v.Intake.Error != "" {
		b.WriteString("\n❌ " + v.Intake.Error + "\n")
	}
}

func writeCustomize(b *strings.Builder, v wizard.View, menu session.Menu) {
	if menu == session.MenuMain {
		writeAnalysis(b, v.Analysis)
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("Poem type: %s\n", optionName(v.PoemTypes, v.PoemType)))
	b.WriteString(fmt.Sprintf("Length: %s\n", optionName(v.PoemLengths, v.PoemLength)))
	b.WriteString(fmt.Sprintf("Emphasis (%d/%d): %s\n", len(v.Analysis.Selected), v.Analysis.Max, joinOr(v.Analysis.Selected, "none")))
	if d := strings.TrimSpace(v.CustomPrompt.Details); d != "" {
		b.WriteString("Note: " + truncateLine(d, 80) + "\n")
	}
	if v.EmphasisWarning != "" {
		b.WriteString("\n⚠️ " + v.EmphasisWarning + "\n")
	}

	switch menu {
	case session.MenuEmphasis:
		b.WriteString("\nPick up to " + strconv.Itoa(v.Analysis.Max) + " elements to emphasize in your poem.\n")
	case session.MenuPoemType:
		b.WriteString("\nChoose a poem type. 🔒 marks Premium options.\n")
	case session.MenuLength:
		b.WriteString("\nChoose a poem length. 🔒 marks Premium options.\n")
	}

	if btn, ok := v.Button(wizard.ButtonGenerate); ok && btn.Busy {
		b.WriteString("\n✍️ Writing your poem…\n")
	}
}

func writeAnalysis(b *strings.Builder, av analysis.View) {
	for _, g := range av.Groups {
		b.WriteString(g.Title + ": ")
		switch {
		case g.Summary != "" && len(g.Badges) > 0:
			b.WriteString(g.Summary + " " + badgeList(g.Badges))
		case g.Summary != "":
			b.WriteString(g.Summary)
		case len(g.Badges) > 0:
			b.WriteString(badgeList(g.Badges))
		default:
			b.WriteString(g.Empty)
		}
		b.WriteString("\n")
	}
	if av.PersonCount > 0 {
		b.WriteString(fmt.Sprintf("People in photo: %d\n", av.PersonCount))
	}
}

func badgeList(badges []analysis.Badge) string {
	parts := make([]string, 0, len(badges))
	for _, bd := range badges {
		text := bd.Text
		if bd.Selected {
			text = "⭐ " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, ", ")
}

func writePoem(b *strings.Builder, v wizard.View, menu session.Menu) {
	if v.Poem != "" {
		b.WriteString(truncateLine(v.Poem, poemPreviewRunes) + "\n\n")
	}
	b.WriteString(fmt.Sprintf("Frame: %s\n", optionName(v.Frames, v.Frame)))
	if menu == session.MenuFrame {
		b.WriteString("\nChoose a frame style. 🔒 marks Premium options.\n")
	}

	if btn, ok := v.Button(wizard.ButtonRegenerate); ok && btn.Busy {
		b.WriteString("\n✍️ Writing a new version…\n")
	}
	if btn, ok := v.Button(wizard.ButtonCreateFinal); ok && btn.Busy {
		b.WriteString("\n🖼 Creating your framed image…\n")
	}
}

func writeShare(b *strings.Builder, v wizard.View) {
	b.WriteString("🎉 Your poem image is ready!\n")
	if v.ShareCode == "" {
		b.WriteString("Sharing is unavailable for this image.\n")
		return
	}
	b.WriteString("Use the buttons under the image to share it.\n")
}

func viewKeyboard(ownerID int64, v wizard.View, menu session.Menu) tgbotapi.InlineKeyboardMarkup {
	switch v.Step {
	case wizard.StepCustomize:
		switch menu {
		case session.MenuEmphasis:
			return emphasisKeyboard(ownerID, v)
		case session.MenuPoemType:
			return optionsKeyboard(ownerID, v.PoemTypes, actPoemType)
		case session.MenuLength:
			return optionsKeyboard(ownerID, v.PoemLengths, actLength)
		}
	case wizard.StepPoem:
		if menu == session.MenuFrame {
			return optionsKeyboard(ownerID, v.Frames, actFrame)
		}
	}
	return mainKeyboard(ownerID, v)
}

func mainKeyboard(ownerID int64, v wizard.View) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton

	switch v.Step {
	case wizard.StepUpload:
		if row := buttonRow(ownerID, v, wizard.ButtonAnalyze, wizard.ButtonChangeImage); len(row) > 0 {
			rows = append(rows, row)
		}
	case wizard.StepCustomize:
		rows = append(rows,
			[]tgbotapi.InlineKeyboardButton{
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("⭐ Emphasis (%d/%d)", len(v.Analysis.Selected), v.Analysis.Max), cb(ownerID, actMenu, string(session.MenuEmphasis))),
				tgbotapi.NewInlineKeyboardButtonData("📝 Note", cb(ownerID, actNote)),
			},
			[]tgbotapi.InlineKeyboardButton{
				tgbotapi.NewInlineKeyboardButtonData("Poem type", cb(ownerID, actMenu, string(session.MenuPoemType))),
				tgbotapi.NewInlineKeyboardButtonData("Length", cb(ownerID, actMenu, string(session.MenuLength))),
			},
		)
		rows = append(rows, buttonRow(ownerID, v, wizard.ButtonBackToUpload, wizard.ButtonGenerate))
	case wizard.StepPoem:
		rows = append(rows,
			[]tgbotapi.InlineKeyboardButton{
				tgbotapi.NewInlineKeyboardButtonData("🖼 Frame: "+optionName(v.Frames, v.Frame), cb(ownerID, actMenu, string(session.MenuFrame))),
			},
		)
		if row := buttonRow(ownerID, v, wizard.ButtonRegenerate, wizard.ButtonCreateFinal); len(row) > 0 {
			rows = append(rows, row)
		}
		rows = append(rows, buttonRow(ownerID, v, wizard.ButtonBackToCustom))
	case wizard.StepShare:
		rows = append(rows, buttonRow(ownerID, v, wizard.ButtonStartOver))
	}

	if len(rows) == 0 {
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Start over", cb(ownerID, actStartOver)),
		})
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// buttonRow renders the listed controls of the active step. Disabled
// controls are left out unless they are busy, in which case they show a
// spinner and do nothing.
func buttonRow(ownerID int64, v wizard.View, ids ...wizard.ButtonID) []tgbotapi.InlineKeyboardButton {
	var row []tgbotapi.InlineKeyboardButton
	for _, id := range ids {
		btn, ok := v.Button(id)
		if !ok {
			continue
		}
		switch {
		case btn.Busy:
			row = append(row, tgbotapi.NewInlineKeyboardButtonData("⏳ "+btn.Label, cb(ownerID, actNoop)))
		case btn.Enabled:
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(buttonLabel(btn), cb(ownerID, buttonAction(id))))
		}
	}
	return row
}

func buttonLabel(btn wizard.Button) string {
	switch btn.ID {
	case wizard.ButtonAnalyze:
		return "🔎 " + btn.Label
	case wizard.ButtonGenerate:
		return "✨ " + btn.Label
	case wizard.ButtonRegenerate:
		return "🔄 " + btn.Label
	case wizard.ButtonCreateFinal:
		return "🖼 " + btn.Label
	case wizard.ButtonBackToUpload, wizard.ButtonBackToCustom:
		return "⬅ " + btn.Label
	}
	return btn.Label
}

func buttonAction(id wizard.ButtonID) string {
	switch id {
	case wizard.ButtonAnalyze:
		return actAnalyze
	case wizard.ButtonChangeImage:
		return actChangeImage
	case wizard.ButtonBackToUpload, wizard.ButtonBackToCustom:
		return actBack
	case wizard.ButtonGenerate:
		return actGenerate
	case wizard.ButtonRegenerate:
		return actRegenerate
	case wizard.ButtonCreateFinal:
		return actFinal
	case wizard.ButtonStartOver:
		return actStartOver
	case wizard.ButtonShowAllElement:
		return actShowAll
	}
	return actNoop
}

func emphasisKeyboard(ownerID int64, v wizard.View) tgbotapi.InlineKeyboardMarkup {
	index := make(map[string]int, len(v.Analysis.Candidates))
	for i, c := range v.Analysis.Candidates {
		index[c.Value] = i
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, c := range v.Analysis.Visible {
		label := "⬜ " + c.Display
		if c.Selected {
			label = "✅ " + c.Display
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, actEmphasis, strconv.Itoa(index[c.Value]))))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	if btn, ok := v.Button(wizard.ButtonShowAllElement); ok {
		label := btn.Label
		if v.Analysis.Hidden > 0 {
			label = fmt.Sprintf("%s (+%d)", label, v.Analysis.Hidden)
		}
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, actShowAll)),
		})
	}

	rows = append(rows, []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("⬅ Done", cb(ownerID, actMenu, string(session.MenuMain))),
	})
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func optionsKeyboard(ownerID int64, opts []wizard.FeatureOption, action string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	category := ""

	for i, o := range opts {
		if o.Category != category && len(row) > 0 {
			rows = append(rows, row)
			row = nil
		}
		category = o.Category

		label := o.Name
		if o.Locked {
			label = "🔒 " + label
		}
		if o.Selected {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, action, strconv.Itoa(i))))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	if len(opts) == 0 {
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Only the default is available right now", cb(ownerID, actNoop)),
		})
	}

	rows = append(rows, []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("⬅ Back", cb(ownerID, actMenu, string(session.MenuMain))),
	})
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// shareKeyboard puts one URL button per share target under the final
// image. Manual targets open the site; the link itself is in the caption.
func shareKeyboard(s share.Share) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, t := range s.Targets {
		if strings.HasPrefix(t.URL, "mailto:") {
			// Telegram only accepts http(s) and tg:// URL buttons.
			continue
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonURL(t.Name, t.URL))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonURL("🔗 Open share page", s.URL),
	})
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func shareCaption(poem string, s share.Share) string {
	var b strings.Builder
	if poem = strings.TrimSpace(poem); poem != "" {
		b.WriteString(truncateLine(poem, 600) + "\n\n")
	}
	if s.URL != "" {
		b.WriteString("🔗 " + s.URL + "\n")
		for _, t := range s.Targets {
			if t.Manual {
				b.WriteString(t.Instructions + "\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func upgradeKeyboard(p entitlement.UpgradePrompt) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup([]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonURL("⭐ Upgrade to Premium", p.URL),
	})
}

func optionName(opts []wizard.FeatureOption, id string) string {
	for _, o := range opts {
		if o.ID == id {
			return o.Name
		}
	}
	return id
}

func joinOr(values []string, empty string) string {
	if len(values) == 0 {
		return empty
	}
	return strings.Join(values, ", ")
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func truncateLine(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
