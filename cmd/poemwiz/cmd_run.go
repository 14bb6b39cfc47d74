package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"poem-vision-bot/internal/analysis"
	"poem-vision-bot/internal/config"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/share"
	"poem-vision-bot/internal/wizard"
)

func newRunCmd() *cobra.Command {
	var (
		planPath string
		flags    plan
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole wizard for one photo",
		Long: `Upload a photo, analyze it, write a poem and create the framed image.

Settings come from --plan (YAML) and are overridden by flags. Premium
options your account cannot use fall back to the free default and the
upgrade link is printed.

Example plan:
  image: beach.jpg
  poem_type: haiku
  length: short
  frame: classic
  emphasis: [Sunset, Joy]
  prompt:
    name: Ana
    place: Nice
    details: our last evening of the trip
  regenerate: 1
  out: beach-poem.jpg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := plan{}
			if planPath != "" {
				loaded, err := loadPlan(planPath)
				if err != nil {
					return err
				}
				p = loaded
			}
			p = mergeFlags(cmd, p, flags)
			if err := p.validate(); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctrl, err := newController(cfg, clientOptions{Mobile: p.Mobile}, logger)
			if err != nil {
				return err
			}
			composer, err := share.NewComposer(share.Options{Origin: cfg.ShareOrigin})
			if err != nil {
				return err
			}

			ctx, cancel := contextWithTimeout(cmd, cfg)
			defer cancel()

			r := &runner{
				ctrl:   ctrl,
				share:  composer,
				clip:   share.NewClipboard(share.ClipboardOptions{Logger: logger}),
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
			}
			return r.run(ctx, p)
		},
	}

	f := cmd.Flags()
	f.StringVar(&planPath, "plan", "", "YAML file with the run settings")
	f.StringVarP(&flags.Image, "image", "i", "", "Photo to turn into a poem")
	f.StringVar(&flags.PoemType, "poem-type", "", "Poem type id (default: free verse)")
	f.StringVar(&flags.Length, "length", "", "Poem length id (default: short)")
	f.StringVar(&flags.Frame, "frame", "", "Frame style id (default: classic)")
	f.StringSliceVar(&flags.Emphasis, "emphasis", nil, "Analysis elements to emphasize, comma separated")
	f.StringVar(&flags.Prompt.Details, "note", "", "Extra details for the poem")
	f.IntVar(&flags.Regenerate, "regenerate", 0, "Write this many extra versions before framing")
	f.StringVarP(&flags.Out, "out", "o", "", "Where to save the framed image (default: poem-<share code>.jpg)")
	f.BoolVar(&flags.Copy, "copy", false, "Copy the share link to the clipboard")
	f.BoolVar(&flags.Mobile, "mobile", false, "Downscale like a phone upload (1200px, lower quality)")
	return cmd
}

// mergeFlags lays explicitly set flags over the plan.
func mergeFlags(cmd *cobra.Command, p plan, f plan) plan {
	changed := cmd.Flags().Changed
	if changed("image") {
		p.Image = f.Image
	}
	if changed("poem-type") {
		p.PoemType = f.PoemType
	}
	if changed("length") {
		p.Length = f.Length
	}
	if changed("frame") {
		p.Frame = f.Frame
	}
	if changed("emphasis") {
		p.Emphasis = splitList(f.Emphasis)
	}
	if changed("note") {
		p.Prompt.Details = f.Prompt.Details
	}
	if changed("regenerate") {
		p.Regenerate = max(f.Regenerate, 0)
	}
	if changed("out") {
		p.Out = f.Out
	}
	if changed("copy") {
		p.Copy = f.Copy
	}
	if changed("mobile") {
		p.Mobile = f.Mobile
	}
	return p
}

type runner struct {
	ctrl   *wizard.Controller
	share  *share.Composer
	clip   *share.Clipboard
	out    io.Writer
	errOut io.Writer
}

func (r *runner) run(ctx context.Context, p plan) error {
	if err := r.ctrl.LoadCatalogs(ctx); err != nil {
		fmt.Fprintf(r.errOut, "warning: some options could not be loaded: %v\n", err)
	}

	data, err := os.ReadFile(p.Image)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if err := r.ctrl.StageFile(filepath.Base(p.Image), mime.TypeByExtension(filepath.Ext(p.Image)), data, intake.SourceGallery); err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Analyzing %s…\n", filepath.Base(p.Image))
	if err := r.ctrl.Analyze(ctx); err != nil {
		return stateError(err, r.ctrl.State().IntakeError)
	}
	r.printAnalysis()

	for _, e := range p.Emphasis {
		if _, err := r.ctrl.ToggleEmphasis(e); err != nil {
			if errors.Is(err, analysis.ErrEmphasisLimit) {
				fmt.Fprintf(r.errOut, "warning: %s %q skipped\n", r.ctrl.State().EmphasisWarning, e)
				continue
			}
			fmt.Fprintf(r.errOut, "warning: %q is not in the analysis, skipped\n", e)
		}
	}

	r.choose(ctx, "poem type", p.PoemType, r.ctrl.SelectPoemType)
	r.choose(ctx, "length", p.Length, r.ctrl.SelectPoemLength)

	if cp := p.Prompt.customPrompt(); !cp.IsZero() {
		r.ctrl.SetCustomPrompt(cp)
	}

	if err := r.ctrl.GeneratePoem(ctx); err != nil {
		return stateError(err, r.ctrl.State().Notice)
	}
	r.printPoem()

	for i := 0; i < p.Regenerate; i++ {
		if err := r.ctrl.RegeneratePoem(ctx); err != nil {
			return stateError(err, r.ctrl.State().Notice)
		}
		r.printPoem()
	}

	r.choose(ctx, "frame", p.Frame, r.ctrl.SelectFrame)

	if err := r.ctrl.CreateFinalImage(ctx); err != nil {
		return stateError(err, r.ctrl.State().Notice)
	}

	for _, ev := range r.ctrl.DrainEvents() {
		if err := r.deliver(ev, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) choose(ctx context.Context, what, id string, sel func(context.Context, string) entitlement.Decision) {
	if strings.TrimSpace(id) == "" {
		return
	}
	d := sel(ctx, id)
	if d.Allowed {
		return
	}
	fmt.Fprintf(r.errOut, "%s %q needs Premium, using %q instead.\n", what, d.Requested, d.Value)
	if d.Prompt != nil {
		fmt.Fprintf(r.errOut, "%s\n", d.Prompt.Message)
		if d.Prompt.URL != "" {
			fmt.Fprintf(r.errOut, "Upgrade: %s\n", d.Prompt.URL)
		}
	}
}

func (r *runner) printAnalysis() {
	v := r.ctrl.View()
	for _, g := range v.Analysis.Groups {
		items := make([]string, 0, len(g.Badges))
		for _, b := range g.Badges {
			items = append(items, b.Text)
		}
		switch {
		case g.Summary != "":
			fmt.Fprintf(r.out, "  %s: %s %s\n", g.Title, g.Summary, strings.Join(items, ", "))
		case len(items) > 0:
			fmt.Fprintf(r.out, "  %s: %s\n", g.Title, strings.Join(items, ", "))
		default:
			fmt.Fprintf(r.out, "  %s: %s\n", g.Title, g.Empty)
		}
	}
}

func (r *runner) printPoem() {
	st := r.ctrl.State()
	fmt.Fprintf(r.out, "\n%s\n\n", strings.TrimSpace(st.Poem))
}

func (r *runner) deliver(ev wizard.FinalImageCreated, p plan) error {
	out := p.Out
	if out == "" {
		out = "poem.jpg"
		if ev.ShareCode != "" {
			out = "poem-" + ev.ShareCode + ".jpg"
		}
	}
	if err := os.WriteFile(out, ev.Image, 0o644); err != nil {
		return fmt.Errorf("save final image: %w", err)
	}
	fmt.Fprintf(r.out, "Saved framed image to %s\n", out)

	if ev.ShareCode == "" || r.share == nil {
		fmt.Fprintln(r.out, "No share link was returned for this image.")
		return nil
	}

	s := r.share.Compose(ev.ShareCode)
	fmt.Fprintf(r.out, "\nShare link: %s\n", s.URL)
	for _, t := range s.Targets {
		if t.Manual {
			fmt.Fprintf(r.out, "  %-10s %s\n", t.Name, t.Instructions)
			continue
		}
		fmt.Fprintf(r.out, "  %-10s %s\n", t.Name, t.URL)
	}

	if p.Copy && r.clip != nil {
		method, err := r.clip.Copy(s.URL)
		if err != nil {
			fmt.Fprintf(r.errOut, "warning: copy failed: %v\n", err)
			return nil
		}
		fmt.Fprintf(r.out, "Link copied (%s).\n", method)
	}
	return nil
}

// stateError prefers the message the wizard recorded for the user.
func stateError(err error, msg string) error {
	if msg == "" || errors.Is(err, wizard.ErrBusy) {
		return err
	}
	return errors.New(msg)
}
