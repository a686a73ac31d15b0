// Package upload unpacks uploaded zip archives into a session directory.
package upload

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/internal/utils"
)

const (
	DefaultMaxBytes = 1 << 30
	ThumbnailDir    = "thumbnails"
	ThumbnailSide   = 256
	inspectWorkers    = 4
)

var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

type Service struct {
	root     string
	urlBase  string
	maxBytes int64
}

// New stores sessions under root; images are served from urlBase + "/" +
// session id.
func New(root, urlBase string, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		root:     root,
		urlBase:  strings.TrimRight(urlBase, "/"),
		maxBytes: maxBytes,
	}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Dir is the directory holding a session's images.
func (s *Service) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Result describes an extracted upload.
type Result struct {
	Root       string
	Images     []models.ImageItem
	ArchiveMD5 string
}

// Extract unpacks the zip archive data into the session directory. Only the
// base name of each entry is used, so entries cannot escape the directory.
// Images come back sorted by name.
func (s *Service) Extract(ctx context.Context, sessionID, filename string, data []byte) (Result, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".zip") {
		return Result{}, fmt.Errorf("%w: only .zip files are accepted", models.ErrInvalidArchive)
	}
	if int64(len(data)) > s.maxBytes {
		return Result{}, fmt.Errorf("%w: %d bytes, limit is %d", models.ErrUploadTooLarge, len(data), s.maxBytes)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", models.ErrInvalidArchive, err)
	}

	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	names, err := s.extractImages(zr, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return Result{}, err
	}
	if len(names) == 0 {
		_ = os.RemoveAll(dir)
		return Result{}, models.ErrNoImages
	}
	slices.Sort(names)

	images, err := s.inspect(ctx, sessionID, dir, names)
	if err != nil {
		_ = os.RemoveAll(dir)
		return Result{}, err
	}

	return Result{
		Root:       dir,
		Images:     images,
		ArchiveMD5: utils.CalculateDataMD5(data),
	}, nil
}

func (s *Service) extractImages(zr *zip.Reader, dir string) ([]string, error) {
	taken := make(map[string]bool)
	var names []string
	var written int64

	for _, f := range zr.File {
		if !wanted(f) {
			continue
		}
		name := uniqueName(path.Base(f.Name), taken)
		taken[strings.ToLower(name)] = true

		n, err := extractFile(f, filepath.Join(dir, name), s.maxBytes-written)
		if err != nil {
			return nil, err
		}
		written += n
		names = append(names, name)
	}
	return names, nil
}

// wanted skips directories, macOS resource forks and anything that is not an
// allowed image type.
func wanted(f *zip.File) bool {
	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return false
	}
	if strings.HasPrefix(f.Name, "__MACOSX") || strings.Contains(f.Name, "/__MACOSX/") {
		return false
	}
	base := path.Base(f.Name)
	if base == "." || base == ".." || strings.HasPrefix(base, "._") {
		return false
	}
	return slices.Contains(AllowedExtensions, strings.ToLower(path.Ext(base)))
}

// uniqueName appends _1, _2, ... to the stem until the name is free.
// Comparison is case-insensitive so the result is safe on any filesystem.
func uniqueName(name string, taken map[string]bool) string {
	if !taken[strings.ToLower(name)] {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", models.ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Base(target), err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", models.ErrInvalidArchive, f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: extracted content exceeds %d bytes", models.ErrUploadTooLarge, budget)
	}
	return n, nil
}

// inspect reads dimensions and writes thumbnails concurrently. Images that
// cannot be decoded are kept with zero dimensions; the run reports them.
func (s *Service) inspect(ctx context.Context, sessionID, dir string, names []string) ([]models.ImageItem, error) {
	images := make([]models.ImageItem, len(names))
	if err := os.MkdirAll(filepath.Join(dir, ThumbnailDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectWorkers)

	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := filepath.Join(dir, name)
			item := models.ImageItem{
				Ref:      name,
				Filename: name,
				URL:      s.urlBase + "/" + sessionID + "/" + name,
			}
			if info, err := os.Stat(p); err == nil {
				item.SizeBytes = info.Size()
			}

			width, height, err := utils.GetImageDimensions(p)
			if err != nil {
				slog.Warn("Unable to read image dimensions", "session", sessionID, "image", name, "err", err)
				images[i] = item
				return nil
			}
			item.Width, item.Height = width, height

			thumb := thumbnailName(name)
			if err := writeThumbnail(p, filepath.Join(dir, ThumbnailDir, thumb)); err != nil {
				slog.Warn("Unable to create thumbnail", "session", sessionID, "image", name, "err", err)
			} else {
				item.ThumbnailURL = s.urlBase + "/" + sessionID + "/" + ThumbnailDir + "/" + thumb
			}
			images[i] = item
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// thumbnailName keeps the source extension in the stem so cat.png and
// cat.jpg do not share a thumbnail.
func thumbnailName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strings.TrimPrefix(ext, ".") + ".jpg"
}

func writeThumbnail(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrDecodeImage, err)
	}
	thumb := resize.Thumbnail(ThumbnailSide, ThumbnailSide, img, resize.Lanczos3)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: 80}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Remove deletes a session directory. A missing directory is not an error.
func (s *Service) Remove(sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return errors.New("invalid session id")
	}
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove session files: %w", err)
	}
	return nil
}
