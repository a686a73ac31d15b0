package models

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// WildcardPrompt is substituted when a run explicitly skips detection prompts.
const WildcardPrompt = "object"

const (
	DefaultBoxThreshold     = 0.35
	DefaultTextThreshold    = 0.25
	DefaultMinBoxSize       = 10
	DefaultOverlapThreshold = 0.5
)

type ExportFormat string

const (
	FormatCOCO     ExportFormat = "coco"
	FormatYOLO     ExportFormat = "yolo"
	FormatVOC      ExportFormat = "voc"
	FormatRoboflow ExportFormat = "roboflow"
)

var SupportedFormats = []ExportFormat{FormatCOCO, FormatYOLO, FormatVOC, FormatRoboflow}

// ParseExportFormat accepts a format id case-insensitively.
func ParseExportFormat(id string) (ExportFormat, error) {
	f := ExportFormat(strings.ToLower(strings.TrimSpace(id)))
	if !lo.Contains(SupportedFormats, f) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, id)
	}
	return f, nil
}

// RunConfig is decoded on top of DefaultRunConfig so omitted JSON fields keep
// their defaults.
type RunConfig struct {
	Objects          []string     `json:"objects"`
	BoxThreshold     float64      `json:"box_threshold"`
	TextThreshold    float64      `json:"text_threshold"`
	UseSAM           bool         `json:"use_sam"`
	ExportFormat     ExportFormat `json:"export_format"`
	MinBoxSize       float64      `json:"min_box_size"`
	RemoveOverlaps   bool         `json:"remove_overlaps"`
	OverlapThreshold float64      `json:"overlap_threshold"`
	SkipDetection    bool         `json:"skip_detection"`
	FilenameLabels   bool         `json:"filename_labels"`
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		BoxThreshold:     DefaultBoxThreshold,
		TextThreshold:    DefaultTextThreshold,
		ExportFormat:     FormatCOCO,
		MinBoxSize:       DefaultMinBoxSize,
		RemoveOverlaps:   true,
		OverlapThreshold: DefaultOverlapThreshold,
	}
}

func (c RunConfig) Clone() RunConfig {
	c.Objects = append([]string(nil), c.Objects...)
	return c
}

// Normalize validates the config and returns the snapshot a run consumes:
// prompts trimmed, deduplicated and, when SkipDetection is set and no prompt
// survives, replaced by the wildcard prompt.
func (c RunConfig) Normalize() (RunConfig, error) {
	out := c.Clone()

	prompts := lo.Map(out.Objects, func(p string, _ int) string {
		return strings.TrimSpace(p)
	})
	prompts = lo.Uniq(lo.Compact(prompts))

	if len(prompts) == 0 {
		switch {
		case out.SkipDetection:
			prompts = []string{WildcardPrompt}
		case out.FilenameLabels:
		default:
			return RunConfig{}, fmt.Errorf("%w: objects must contain at least one non-empty prompt (set skip_detection to use %q)", ErrInvalidConfig, WildcardPrompt)
		}
	}
	out.Objects = prompts

	if out.BoxThreshold <= 0 || out.BoxThreshold >= 1 {
		return RunConfig{}, fmt.Errorf("%w: box_threshold must be in (0,1), got %v", ErrInvalidConfig, out.BoxThreshold)
	}
	if out.TextThreshold <= 0 || out.TextThreshold >= 1 {
		return RunConfig{}, fmt.Errorf("%w: text_threshold must be in (0,1), got %v", ErrInvalidConfig, out.TextThreshold)
	}
	if out.MinBoxSize < 0 {
		return RunConfig{}, fmt.Errorf("%w: min_box_size must not be negative, got %v", ErrInvalidConfig, out.MinBoxSize)
	}
	if out.OverlapThreshold <= 0 || out.OverlapThreshold > 1 {
		return RunConfig{}, fmt.Errorf("%w: overlap_threshold must be in (0,1], got %v", ErrInvalidConfig, out.OverlapThreshold)
	}

	if out.ExportFormat == "" {
		out.ExportFormat = FormatCOCO
	}
	format, err := ParseExportFormat(string(out.ExportFormat))
	if err != nil {
		return RunConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	out.ExportFormat = format

	return out, nil
}
