package poemapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{HTTPClient: http.DefaultClient})
	assert.Error(t, err)

	_, err = New(Options{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestAnalyzeImageMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze-image", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("x-request-id"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		assert.Equal(t, "cat.jpg", header.Filename)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		assert.Equal(t, []byte("jpegbytes"), data)

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"analysisId": "a-1",
			"results": map[string]any{
				"labels": []map[string]any{{"description": "Cat", "score": 97.5}},
				"faces":  []map[string]any{{"joy": "VERY_LIKELY", "detection_confidence": 0.9}},
			},
		})
	})

	resp, err := c.AnalyzeImage(context.Background(), AnalyzeRequest{
		Data: []byte("jpegbytes"), MimeType: "image/jpeg", Filename: "cat.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "a-1", resp.AnalysisID)
	require.NotNil(t, resp.Results)
	assert.Equal(t, "Cat", resp.Results.Labels[0].Description)
	assert.Equal(t, "VERY_LIKELY", resp.Results.Faces[0].Likelihood("joy"))
	assert.Equal(t, "", resp.Results.Faces[0].Likelihood("detection_confidence"))
}

func TestAnalyzeImageDataURIFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("content-type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "data:image/png;base64,AAAA", body["image"])
		writeJSON(w, http.StatusOK, map[string]any{"analysisId": "a-2", "results": map[string]any{}})
	})

	resp, err := c.AnalyzeImage(context.Background(), AnalyzeRequest{DataURI: "data:image/png;base64,AAAA"})
	require.NoError(t, err)
	assert.Equal(t, "a-2", resp.AnalysisID)
}

func TestAnalyzeImageWithoutData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.AnalyzeImage(context.Background(), AnalyzeRequest{})
	assert.Error(t, err)
}

func TestServerErrorIsVerbatim(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no face detected"})
	})

	_, err := c.AnalyzeImage(context.Background(), AnalyzeRequest{Data: []byte("x"), MimeType: "image/png"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	msg, ok := UserMessage(err)
	assert.True(t, ok)
	assert.Equal(t, "no face detected", msg)
}

func TestServerErrorOn200(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"error": "Invalid or expired analysis ID"})
	})

	_, err := c.GeneratePoem(context.Background(), GeneratePoemRequest{AnalysisID: "x"})
	msg, ok := UserMessage(err)
	assert.True(t, ok)
	assert.Equal(t, "Invalid or expired analysis ID", msg)
}

func TestNon2xxWithoutMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := c.CreateFinalImage(context.Background(), CreateFinalImageRequest{AnalysisID: "x"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)

	_, ok := UserMessage(err)
	assert.False(t, ok)
}

func TestGeneratePoemBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate-poem", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		assert.Equal(t, "a-1", body["analysisId"])
		assert.Equal(t, "haiku", body["poemType"])
		assert.Equal(t, "short", body["poemLength"])
		assert.Equal(t, []any{}, body["emphasis"])
		assert.Equal(t, true, body["isRegeneration"])
		assert.Equal(t, map[string]any{"name": "Milo"}, body["customPrompt"])

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "poem": "Soft paws in sunlight"})
	})

	resp, err := c.GeneratePoem(context.Background(), GeneratePoemRequest{
		AnalysisID:     "a-1",
		PoemType:       "haiku",
		PoemLength:     "short",
		CustomPrompt:   CustomPrompt{Name: "Milo"},
		IsRegeneration: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Soft paws in sunlight", resp.Poem)
}

func TestCreateFinalImage(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff, 0xe0}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a-1", body["analysisId"])
		assert.Equal(t, "vintage", body["frameStyle"])

		writeJSON(w, http.StatusOK, map[string]any{
			"finalImage": base64.StdEncoding.EncodeToString(img),
			"shareCode":  "abc123",
		})
	})

	resp, err := c.CreateFinalImage(context.Background(), CreateFinalImageRequest{AnalysisID: "a-1", FrameStyle: "vintage"})
	require.NoError(t, err)
	assert.Equal(t, img, resp.FinalImage)
	assert.Equal(t, "abc123", resp.ShareCode)
}

func TestCreateFinalImageBadPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"finalImage": "", "shareCode": "abc"})
	})

	_, err := c.CreateFinalImage(context.Background(), CreateFinalImageRequest{AnalysisID: "a-1"})
	assert.Error(t, err)
}

func TestCatalogs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/available-poem-types":
			writeJSON(w, http.StatusOK, map[string]any{
				"is_premium": false,
				"poem_types": []map[string]any{
					{"id": "free verse", "name": "Free Verse", "free": true},
					{"id": "haiku", "name": "Haiku", "free": false, "category": "classic"},
				},
			})
		case "/api/available-frames":
			writeJSON(w, http.StatusOK, map[string]any{
				"is_premium": true,
				"frames":     []map[string]any{{"id": "classic", "name": "Classic", "free": true}},
			})
		case "/api/available-poem-lengths":
			writeJSON(w, http.StatusOK, map[string]any{"is_premium": false})
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()

	types, err := c.AvailablePoemTypes(ctx)
	require.NoError(t, err)
	assert.False(t, types.IsPremium)
	require.Len(t, types.Features, 2)
	assert.Equal(t, FeatureDescriptor{ID: "haiku", DisplayName: "Haiku", Category: "classic"}, types.Features[1])

	frames, err := c.AvailableFrames(ctx)
	require.NoError(t, err)
	assert.True(t, frames.IsPremium)
	assert.Len(t, frames.Features, 1)

	lengths, err := c.AvailablePoemLengths(ctx)
	require.NoError(t, err)
	assert.Empty(t, lengths.Features)
}

func TestCheckAccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"type": "frame", "id": "ornate"}, body)
		writeJSON(w, http.StatusOK, map[string]bool{"has_access": true, "is_premium": true})
	})

	resp, err := c.CheckAccess(context.Background(), "frame", "ornate")
	require.NoError(t, err)
	assert.Equal(t, AccessResponse{HasAccess: true, IsPremium: true}, resp)
}
