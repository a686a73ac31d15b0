package inference

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// Input is an image prepared for a detector call.
type Input struct {
	Ref         string
	Filename    string
	Data        []byte
	ContentType string
	// Size is the size of Data; Original the size of the file on disk.
	Size     models.ImageSize
	Original models.ImageSize
}

func (in Input) sized() bool {
	return in.Size.Width > 0 && in.Size.Height > 0 && in.Original.Width > 0 && in.Original.Height > 0
}

// Scale returns the per-axis factors that map original coordinates into
// Data. Downscaling rounds each side on its own, so the factors can differ.
func (in Input) Scale() (sx, sy float64) {
	if !in.sized() {
		return 1, 1
	}
	return float64(in.Size.Width) / float64(in.Original.Width),
		float64(in.Size.Height) / float64(in.Original.Height)
}

// ToOriginal returns the per-axis factors that map coordinates in Data back
// to the original image.
func (in Input) ToOriginal() (sx, sy float64) {
	if !in.sized() {
		return 1, 1
	}
	return float64(in.Original.Width) / float64(in.Size.Width),
		float64(in.Original.Height) / float64(in.Size.Height)
}

// LoadImage reads and decodes the image at path. When maxSide is positive and
// the image is larger, it is downscaled with Lanczos resampling and
// re-encoded as JPEG. Decode failures wrap models.ErrDecodeImage.
func LoadImage(path, ref string, maxSide int) (Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Input{}, fmt.Errorf("%w: %s: %w", models.ErrDecodeImage, ref, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Input{}, fmt.Errorf("%w: %s: %w", models.ErrDecodeImage, ref, err)
	}

	bounds := img.Bounds()
	original := models.ImageSize{Width: bounds.Dx(), Height: bounds.Dy()}
	if original.Width == 0 || original.Height == 0 {
		return Input{}, fmt.Errorf("%w: %s: empty image", models.ErrDecodeImage, ref)
	}

	in := Input{
		Ref:         ref,
		Filename:    filepath.Base(path),
		Data:        data,
		ContentType: http.DetectContentType(data),
		Size:        original,
		Original:    original,
	}

	if maxSide > 0 && max(original.Width, original.Height) > maxSide {
		resized := resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
			return Input{}, fmt.Errorf("failed to encode resized image %s: %w", ref, err)
		}
		rb := resized.Bounds()
		in.Data = buf.Bytes()
		in.ContentType = "image/jpeg"
		in.Filename = strings.TrimSuffix(in.Filename, filepath.Ext(in.Filename)) + ".jpg"
		in.Size = models.ImageSize{Width: rb.Dx(), Height: rb.Dy()}
	}

	return in, nil
}
