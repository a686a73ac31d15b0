package upload

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipOf(t *testing.T, entries map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(entries[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	img := pngBytes(t, 40, 20)
	entries := map[string][]byte{
		"photos/":                 nil,
		"photos/zebra.png":        img,
		"photos/apple.png":        img,
		"other/apple.png":         img,
		"__MACOSX/photos/._a.png": []byte("junk"),
		"photos/notes.txt":        []byte("hello"),
		"../../escape.png":        img,
		"broken.jpg":              []byte("not really a jpeg"),
	}
	data := zipOf(t, entries,
		"photos/", "photos/zebra.png", "photos/apple.png", "other/apple.png",
		"__MACOSX/photos/._a.png", "photos/notes.txt", "../../escape.png", "broken.jpg")

	root := t.TempDir()
	svc := New(root, "/uploads", 0)
	result, err := svc.Extract(context.Background(), "s1", "batch.ZIP", data)
	require.NoError(t, err)

	refs := make([]string, len(result.Images))
	for i, item := range result.Images {
		refs[i] = item.Ref
	}
	assert.Equal(t, []string{"apple.png", "apple_1.png", "broken.jpg", "escape.png", "zebra.png"}, refs)
	assert.Equal(t, filepath.Join(root, "s1"), result.Root)
	assert.Len(t, result.ArchiveMD5, 32)

	apple := result.Images[0]
	assert.Equal(t, 40, apple.Width)
	assert.Equal(t, 20, apple.Height)
	assert.Equal(t, "/uploads/s1/apple.png", apple.URL)
	assert.Equal(t, "/uploads/s1/thumbnails/apple_png.jpg", apple.ThumbnailURL)
	assert.Equal(t, int64(len(img)), apple.SizeBytes)
	assert.FileExists(t, filepath.Join(root, "s1", "thumbnails", "apple_png.jpg"))

	broken := result.Images[2]
	assert.Zero(t, broken.Width)
	assert.Empty(t, broken.ThumbnailURL)

	assert.NoFileExists(t, filepath.Join(root, "escape.png"))
	assert.FileExists(t, filepath.Join(root, "s1", "escape.png"))
}

func TestExtractRejections(t *testing.T) {
	img := pngBytes(t, 4, 4)
	svc := New(t.TempDir(), "/uploads", 0)

	tests := []struct {
		name     string
		filename string
		data     []byte
		wantErr  error
	}{
		{name: "not a zip name", filename: "photos.tar", data: zipOf(t, map[string][]byte{"a.png": img}, "a.png"), wantErr: models.ErrInvalidArchive},
		{name: "corrupt zip", filename: "photos.zip", data: []byte("PK nope"), wantErr: models.ErrInvalidArchive},
		{name: "no images", filename: "photos.zip", data: zipOf(t, map[string][]byte{"a.txt": []byte("x"), "b.gif": img}, "a.txt", "b.gif"), wantErr: models.ErrNoImages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Extract(context.Background(), "s-"+tt.name, tt.filename, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NoDirExists(t, svc.Dir("s-"+tt.name))
		})
	}
}

func TestExtractSizeLimit(t *testing.T) {
	// zeros compress well, so the extracted size is far above the archive size
	bomb := bytes.Repeat([]byte{0}, 1<<20)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "a.png", Method: zip.Deflate})
	require.NoError(t, err)
	_, err = w.Write(bomb)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	data := buf.Bytes()

	_, err = New(t.TempDir(), "/uploads", 16).Extract(context.Background(), "s1", "a.zip", data)
	assert.ErrorIs(t, err, models.ErrUploadTooLarge)

	svc := New(t.TempDir(), "/uploads", int64(len(data)))
	_, err = svc.Extract(context.Background(), "s2", "a.zip", data)
	assert.ErrorIs(t, err, models.ErrUploadTooLarge)
	assert.NoDirExists(t, svc.Dir("s2"))
}

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{"cat.png": true, "cat_1.png": true}
	assert.Equal(t, "cat_2.png", uniqueName("Cat.png", taken))
	assert.Equal(t, "dog.png", uniqueName("dog.png", taken))
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	svc := New(root, "/uploads", 0)
	require.NoError(t, os.MkdirAll(svc.Dir("s1"), 0755))

	require.NoError(t, svc.Remove("s1"))
	assert.NoDirExists(t, svc.Dir("s1"))
	require.NoError(t, svc.Remove("s1"))
	assert.Error(t, svc.Remove("../etc"))
	assert.Error(t, svc.Remove(""))
}
