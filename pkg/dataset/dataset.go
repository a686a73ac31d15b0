// Package dataset converts annotation sets into downloadable dataset
// archives and parses those archives back into comparable records.
package dataset

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
	"github.com/lehigh-university-libraries/auto-annotate/pkg/metrics"
)

type FormatInfo struct {
	ID          models.ExportFormat `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
}

type exporter interface {
	info() FormatInfo
	write(a *archive, set *models.AnnotationSet) error
}

var exporters = map[models.ExportFormat]exporter{
	models.FormatCOCO:     cocoExporter{},
	models.FormatYOLO:     yoloExporter{},
	models.FormatVOC:      vocExporter{},
	models.FormatRoboflow: roboflowExporter{},
}

// Formats lists the supported export targets in a stable order.
func Formats() []FormatInfo {
	out := make([]FormatInfo, 0, len(models.SupportedFormats))
	for _, f := range models.SupportedFormats {
		out = append(out, exporters[f].info())
	}
	return out
}

type Options struct {
	// ImagesRoot, when set, is the directory image references resolve
	// against; the images are copied into the archive under images/.
	ImagesRoot string
	Now        time.Time
	Generator  string
}

// Export renders set in the given format. The archive is assembled in memory
// and only returned once complete.
func Export(set *models.AnnotationSet, format string, opts Options) ([]byte, error) {
	f, err := models.ParseExportFormat(format)
	if err != nil {
		return nil, err
	}
	if set == nil || len(set.Images) == 0 {
		return nil, models.ErrEmptyAnnotationSet
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if opts.Generator == "" {
		opts.Generator = "auto-annotate"
	}

	var buf bytes.Buffer
	a := &archive{zw: zip.NewWriter(&buf), opts: opts}
	exp := exporters[f]

	if err := exp.write(a, set); err != nil {
		return nil, fmt.Errorf("failed to write %s export: %w", f, err)
	}
	if opts.ImagesRoot != "" {
		if err := a.addImages(set); err != nil {
			return nil, err
		}
	}
	summary := metrics.Summarize(set)
	if err := a.addJSON("metadata.json", newMetadata(f, summary, opts)); err != nil {
		return nil, err
	}
	if err := a.addFile("README.md", []byte(readme(exp.info(), summary, opts))); err != nil {
		return nil, err
	}
	if err := a.zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	return buf.Bytes(), nil
}

// Filename is the suggested download name for an export.
func Filename(sessionID string, format models.ExportFormat) string {
	return fmt.Sprintf("annotations_%s_%s.zip", format, sessionID)
}

type archive struct {
	zw   *zip.Writer
	opts Options
}

func (a *archive) addFile(name string, data []byte) error {
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: a.opts.Now,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (a *archive) addJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return a.addFile(name, data)
}

func (a *archive) addImages(set *models.AnnotationSet) error {
	for _, ref := range set.Images {
		data, err := os.ReadFile(filepath.Join(a.opts.ImagesRoot, filepath.FromSlash(ref)))
		if err != nil {
			slog.Warn("Skipping image missing from export", "ref", ref, "err", err)
			continue
		}
		if err := a.addFile(path.Join("images", path.Base(ref)), data); err != nil {
			return err
		}
	}
	return nil
}

type metadata struct {
	Format           models.ExportFormat `json:"format"`
	CreatedAt        string              `json:"created_at"`
	CreatedBy        string              `json:"created_by"`
	TotalImages      int                 `json:"total_images"`
	AnnotatedImages  int                 `json:"annotated_images"`
	TotalAnnotations int                 `json:"total_annotations"`
	Classes          []string            `json:"classes"`
	ClassCounts      map[string]int      `json:"class_counts"`
}

func newMetadata(f models.ExportFormat, s metrics.Summary, opts Options) metadata {
	return metadata{
		Format:           f,
		CreatedAt:        opts.Now.Format(time.RFC3339),
		CreatedBy:        opts.Generator,
		TotalImages:      s.Images,
		AnnotatedImages:  s.AnnotatedImages,
		TotalAnnotations: s.Detections,
		Classes:          s.Classes,
		ClassCounts:      s.PerClass,
	}
}

func readme(info FormatInfo, s metrics.Summary, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Annotations (%s)\n\n", info.Name)
	fmt.Fprintf(&b, "%s\n\n", info.Description)
	fmt.Fprintf(&b, "Generated by %s on %s.\n\n", opts.Generator, opts.Now.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Images: %d\n", s.Images)
	fmt.Fprintf(&b, "- Annotated images: %d\n", s.AnnotatedImages)
	fmt.Fprintf(&b, "- Annotations: %d\n", s.Detections)
	fmt.Fprintf(&b, "- Mean score: %.3f\n", s.MeanScore)
	if len(s.Classes) > 0 {
		b.WriteString("\n## Classes\n\n")
		for _, c := range s.Classes {
			fmt.Fprintf(&b, "- %s: %d\n", c, s.PerClass[c])
		}
	}
	return b.String()
}

// Stems assigns each image reference a unique file stem used for per-image
// label files. Collisions get the extension appended, then a counter.
func Stems(refs []string) map[string]string {
	out := make(map[string]string, len(refs))
	used := make(map[string]bool, len(refs))
	for _, ref := range refs {
		base := path.Base(ref)
		ext := path.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		if used[stem] && ext != "" {
			stem = stem + "_" + strings.TrimPrefix(ext, ".")
		}
		candidate := stem
		for i := 2; used[candidate]; i++ {
			candidate = fmt.Sprintf("%s_%d", stem, i)
		}
		used[candidate] = true
		out[ref] = candidate
	}
	return out
}
