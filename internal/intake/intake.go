package intake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const DefaultMaxBytes = 5 << 20

var (
	ErrEmpty          = errors.New("empty image")
	ErrNotImage       = errors.New("not an image")
	ErrTooLarge       = errors.New("image too large")
	ErrInvalidDataURI = errors.New("invalid data uri")
)

// ValidationError carries the message shown to the user next to the
// intake control. No network call is made for these.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return e.Err }

type Source string

const (
	SourceGallery Source = "gallery"
	SourceDrop    Source = "drop"
	SourceCamera  Source = "camera"
	SourceDataURI Source = "data_uri"
)

type Image struct {
	Data     []byte
	MimeType string
	Filename string
	Source   Source
}

// DataURI is the preview form of the image.
func (img Image) DataURI() string {
	if len(img.Data) == 0 {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
}

func (img Image) Size() int64 {
	return int64(len(img.Data))
}

type Options struct {
	MaxBytes int64
	Logger   *slog.Logger
}

type Intake struct {
	maxBytes int64
	logger   *slog.Logger
}

func New(opts Options) *Intake {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Intake{maxBytes: maxBytes, logger: logger}
}

func (in *Intake) MaxBytes() int64 {
	return in.maxBytes
}

// StageFile validates an uploaded or captured file. A declared non-image
// type is rejected before the payload is looked at.
func (in *Intake) StageFile(filename, mimeType string, data []byte, source Source) (Image, error) {
	mimeType = normalizeMime(mimeType)
	declared := mimeType != "" && mimeType != "application/octet-stream"
	if declared && !strings.HasPrefix(mimeType, "image/") {
		return Image{}, notImage()
	}

	if len(data) == 0 {
		return Image{}, &ValidationError{Message: "The selected file is empty. Please choose another image.", Err: ErrEmpty}
	}

	if !declared {
		mimeType = normalizeMime(http.DetectContentType(data))
		if !strings.HasPrefix(mimeType, "image/") {
			return Image{}, notImage()
		}
	}

	if err := in.CheckSize(int64(len(data))); err != nil {
		return Image{}, err
	}

	if source == "" {
		source = SourceGallery
	}

	return Image{
		Data:     data,
		MimeType: mimeType,
		Filename: strings.TrimSpace(filename),
		Source:   source,
	}, nil
}

// StageDataURI is the fallback path for clients that only hand over a
// base64 data URI.
func (in *Intake) StageDataURI(uri string) (Image, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, "data:image/") {
		return Image{}, &ValidationError{Message: "Invalid image format. Please upload a JPEG or PNG image.", Err: ErrInvalidDataURI}
	}

	estimated := (int64(len(uri))*3 + 3) / 4
	if estimated > in.maxBytes {
		return Image{}, in.tooLarge()
	}

	mimeType, data, err := parseDataURI(uri)
	if err != nil {
		return Image{}, &ValidationError{Message: "Invalid image format. Please upload a JPEG or PNG image.", Err: fmt.Errorf("%w: %v", ErrInvalidDataURI, err)}
	}
	if len(data) == 0 {
		return Image{}, &ValidationError{Message: "The selected file is empty. Please choose another image.", Err: ErrEmpty}
	}

	return Image{Data: data, MimeType: mimeType, Source: SourceDataURI}, nil
}

// CheckSize rejects a payload of n bytes before it is downloaded or read.
func (in *Intake) CheckSize(n int64) error {
	if n > in.maxBytes {
		in.logger.Info("image rejected", "reason", "size", "bytes", n, "max", in.maxBytes)
		return in.tooLarge()
	}
	return nil
}

func notImage() error {
	return &ValidationError{Message: "Please upload an image file (JPEG, PNG, etc.)", Err: ErrNotImage}
}

func (in *Intake) tooLarge() error {
	return &ValidationError{
		Message: fmt.Sprintf("Image size exceeds the %s limit. Please choose a smaller image.", formatLimit(in.maxBytes)),
		Err:     ErrTooLarge,
	}
}

func parseDataURI(uri string) (string, []byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return "", nil, errors.New("missing payload")
	}

	parts := strings.Split(meta, ";")
	mimeType := normalizeMime(parts[0])
	isBase64 := false
	for _, p := range parts[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return "", nil, errors.New("payload is not base64")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return mimeType, data, nil
}

func normalizeMime(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return strings.ToLower(value)
}

func formatLimit(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	if n%(1<<10) == 0 {
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}
