package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"poem-vision-bot/internal/poemapi"
)

// plan is a scripted wizard run. Command-line flags override its fields.
type plan struct {
	Image      string     `yaml:"image"`
	PoemType   string     `yaml:"poem_type"`
	Length     string     `yaml:"length"`
	Frame      string     `yaml:"frame"`
	Emphasis   []string   `yaml:"emphasis"`
	Prompt     promptPlan `yaml:"prompt"`
	Regenerate int        `yaml:"regenerate"`
	Out        string     `yaml:"out"`
	Mobile     bool       `yaml:"mobile"`
	Copy       bool       `yaml:"copy"`
}

type promptPlan struct {
	Category string `yaml:"category"`
	Name     string `yaml:"name"`
	Place    string `yaml:"place"`
	Emotion  string `yaml:"emotion"`
	Action   string `yaml:"action"`
	Details  string `yaml:"details"`
}

func (p promptPlan) customPrompt() poemapi.CustomPrompt {
	return poemapi.CustomPrompt{
		Category: strings.TrimSpace(p.Category),
		Name:     strings.TrimSpace(p.Name),
		Place:    strings.TrimSpace(p.Place),
		Emotion:  strings.TrimSpace(p.Emotion),
		Action:   strings.TrimSpace(p.Action),
		Details:  strings.TrimSpace(p.Details),
	}
}

func loadPlan(path string) (plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return plan{}, fmt.Errorf("read plan: %w", err)
	}
	return parsePlan(raw)
}

// parsePlan decodes a YAML plan. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func parsePlan(raw []byte) (plan, error) {
	var p plan
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if p.Regenerate < 0 {
		return plan{}, errors.New("parse plan: regenerate must not be negative")
	}
	p.Emphasis = splitList(p.Emphasis)
	return p, nil
}

func (p plan) validate() error {
	if strings.TrimSpace(p.Image) == "" {
		return errors.New("an image is required (--image or image: in the plan)")
	}
	return nil
}

// splitList trims entries, splits comma-joined ones and drops blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
