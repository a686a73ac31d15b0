package inference

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "ball.png", 40, 20)

	in, err := LoadImage(path, "ball.png", 0)
	require.NoError(t, err)
	assert.Equal(t, models.ImageSize{Width: 40, Height: 20}, in.Size)
	assert.Equal(t, in.Size, in.Original)
	sx, sy := in.Scale()
	assert.Equal(t, 1.0, sx)
	assert.Equal(t, 1.0, sy)
	assert.Equal(t, "image/png", in.ContentType)
	assert.Equal(t, "ball.png", in.Filename)
}

func TestLoadImageDownscales(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "big.png", 400, 200)

	in, err := LoadImage(path, "big.png", 100)
	require.NoError(t, err)
	assert.Equal(t, models.ImageSize{Width: 100, Height: 50}, in.Size)
	assert.Equal(t, models.ImageSize{Width: 400, Height: 200}, in.Original)
	sx, sy := in.Scale()
	assert.InDelta(t, 0.25, sx, 1e-9)
	assert.InDelta(t, 0.25, sy, 1e-9)
	fx, fy := in.ToOriginal()
	assert.InDelta(t, 4.0, fx, 1e-9)
	assert.InDelta(t, 4.0, fy, 1e-9)
	assert.Equal(t, "image/jpeg", in.ContentType)
	assert.Equal(t, "big.jpg", in.Filename)
}

func TestLoadImageKeepsPerAxisFactors(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "wide.png", 301, 100)

	in, err := LoadImage(path, "wide.png", 100)
	require.NoError(t, err)
	require.Equal(t, 100, in.Size.Width)

	fx, fy := in.ToOriginal()
	assert.InDelta(t, 3.01, fx, 1e-9)
	assert.InDelta(t, 100/float64(in.Size.Height), fy, 1e-9)

	// The bottom edge of Data maps to the bottom edge of the original.
	assert.InDelta(t, 100.0, float64(in.Size.Height)*fy, 1e-9)
}

func TestInputFactors(t *testing.T) {
	in := Input{Size: models.ImageSize{Width: 100, Height: 33}, Original: models.ImageSize{Width: 301, Height: 100}}
	sx, sy := in.Scale()
	assert.InDelta(t, 100.0/301, sx, 1e-12)
	assert.InDelta(t, 0.33, sy, 1e-12)
	fx, fy := in.ToOriginal()
	assert.InDelta(t, 3.01, fx, 1e-12)
	assert.InDelta(t, 100.0/33, fy, 1e-12)

	fx, fy = Input{}.ToOriginal()
	assert.Equal(t, 1.0, fx)
	assert.Equal(t, 1.0, fy)
}

func TestLoadImageCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0644))

	_, err := LoadImage(path, "broken.jpg", 0)
	assert.ErrorIs(t, err, models.ErrDecodeImage)

	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.jpg"), "missing.jpg", 0)
	assert.ErrorIs(t, err, models.ErrDecodeImage)
}

func TestRemoteDetect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ball. red car.", r.FormValue("caption"))
		assert.Equal(t, `["ball","red car"]`, r.FormValue("prompts"))
		assert.Equal(t, "0.35", r.FormValue("box_threshold"))
		assert.Equal(t, "0.25", r.FormValue("text_threshold"))
		_, header, err := r.FormFile("image")
		require.NoError(t, err)
		assert.Equal(t, "a.png", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.RawDetections{
			Boxes:  [][4]float64{{1, 2, 30, 40}},
			Scores: []float64{0.8},
			Labels: []string{"ball"},
		})
	}))
	defer server.Close()

	d := NewRemote(server.URL+"/", "secret", time.Second)
	raw, err := d.Detect(context.Background(), Input{Ref: "a.png", Filename: "a.png", Data: []byte("png")}, []string{"ball", "red car"}, Options{BoxThreshold: 0.35, TextThreshold: 0.25})

	require.NoError(t, err)
	assert.Equal(t, 1, raw.Len())
	assert.Equal(t, "ball", raw.Labels[0])
}

func TestRemoteDetectErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			wantErr: models.ErrInferenceService,
		},
		{
			name: "malformed JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			wantErr: models.ErrMalformedResponse,
		},
		{
			name: "mismatched lengths",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"boxes":[[0,0,1,1]],"scores":[]}`))
			},
			wantErr: models.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewRemote(server.URL, "", time.Second).Detect(context.Background(), Input{Filename: "a.png"}, []string{"ball"}, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, models.ErrInferenceService)
		})
	}
}

func TestRemoteDetectHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewRemote(server.URL, "", time.Minute).Detect(ctx, Input{Filename: "a.png"}, []string{"ball"}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInferenceService)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	require.NoError(t, NewRemote(server.URL, "", time.Second).Health(context.Background()))
	assert.Error(t, NewRemote(server.URL+"/nope", "", time.Second).Health(context.Background()))
}

func TestMatchPrompt(t *testing.T) {
	tests := []struct {
		name      string
		object    string
		prompts   []string
		wantLabel string
		wantScore float64
	}{
		{name: "exact", object: "Ball", prompts: []string{"dog", "ball"}, wantLabel: "ball", wantScore: 1},
		{name: "plural prompt", object: "Shoe", prompts: []string{"shoes"}, wantLabel: "shoes", wantScore: 1},
		{name: "partial", object: "Car", prompts: []string{"red car"}, wantLabel: "red car", wantScore: 0.5},
		{name: "no match", object: "Person", prompts: []string{"ball"}, wantLabel: "person", wantScore: 0},
		{name: "wildcard", object: "Bicycle wheel", prompts: []string{models.WildcardPrompt}, wantLabel: "bicycle wheel", wantScore: 1},
		{name: "exact beats wildcard", object: "Dog", prompts: []string{models.WildcardPrompt, "dog"}, wantLabel: "dog", wantScore: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, score := MatchPrompt(tt.object, tt.prompts)
			assert.Equal(t, tt.wantLabel, label)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
		})
	}
}

func TestConvertLocalizedObjects(t *testing.T) {
	objects := []*visionpb.LocalizedObjectAnnotation{
		{
			Name:  "Ball",
			Score: 0.875,
			BoundingPoly: &visionpb.BoundingPoly{NormalizedVertices: []*visionpb.NormalizedVertex{
				{X: 0.1, Y: 0.2}, {X: 0.5, Y: 0.2}, {X: 0.5, Y: 0.6}, {X: 0.1, Y: 0.6},
			}},
		},
		{Name: "Empty"},
	}

	raw := convertLocalizedObjects(objects, []string{"ball"}, models.ImageSize{Width: 200, Height: 100})

	require.NoError(t, raw.Validate())
	require.Equal(t, 1, raw.Len())
	assert.InDeltaSlice(t, []float64{20, 20, 100, 60}, raw.Boxes[0][:], 1e-4)
	assert.InDelta(t, 0.875, raw.Scores[0], 1e-9)
	assert.Equal(t, "ball", raw.Labels[0])
	assert.Equal(t, 1.0, raw.TextScores[0])
}

func TestCaption(t *testing.T) {
	assert.Equal(t, "ball. dog.", Caption([]string{"ball", " dog. ", ""}))
	assert.Equal(t, "", Caption(nil))
}

func TestNewBackendSelection(t *testing.T) {
	d, err := New(context.Background(), Config{Backend: "remote", URL: "http://localhost:9"})
	require.NoError(t, err)
	assert.Equal(t, "remote", d.Name())

	_, err = New(context.Background(), Config{Backend: "remote"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Backend: "onnx"})
	assert.Error(t, err)
}
