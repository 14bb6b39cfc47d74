package share

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/atotto/clipboard"
)

type CopyMethod string

const (
	CopySystem CopyMethod = "system"
	CopyOSC52  CopyMethod = "osc52"
)

type ClipboardOptions struct {
	// System writes to the OS clipboard. Defaults to atotto/clipboard when
	// a clipboard utility is available.
	System func(string) error
	// Fallback receives an OSC 52 escape sequence when System is missing
	// or fails. Defaults to stdout.
	Fallback io.Writer
	Logger   *slog.Logger
}

type Clipboard struct {
	system   func(string) error
	fallback io.Writer
	logger   *slog.Logger
}

func NewClipboard(opts ClipboardOptions) *Clipboard {
	system := opts.System
	if system == nil && !clipboard.Unsupported {
		system = clipboard.WriteAll
	}

	fallback := opts.Fallback
	if fallback == nil {
		fallback = os.Stdout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Clipboard{system: system, fallback: fallback, logger: logger}
}

// Copy places text on the clipboard and reports which path took it.
func (c *Clipboard) Copy(text string) (CopyMethod, error) {
	if text == "" {
		return "", errors.New("nothing to copy")
	}

	if c.system != nil {
		err := c.system(text)
		if err == nil {
			return CopySystem, nil
		}
		c.logger.Debug("system clipboard failed, using osc52", "err", err)
	}

	if _, err := io.WriteString(c.fallback, osc52(text)); err != nil {
		return "", fmt.Errorf("write osc52: %w", err)
	}
	return CopyOSC52, nil
}

func osc52(text string) string {
	return "\x1b]52;c;" + base64.StdEncoding.EncodeToString([]byte(text)) + "\a"
}
