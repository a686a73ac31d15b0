package annotate

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

var (
	trailingNumber = regexp.MustCompile(`[_\-]?\d+$`)
	camelBoundary  = regexp.MustCompile(`([a-z])([A-Z])`)
	separators     = regexp.MustCompile(`[\s_\-]+`)
)

var genericPrompts = []string{"object", "objects", "item", "items"}

// FilenameLabel derives a detection prompt from an image filename:
// "air_conditioner_1.jpg" becomes "air conditioner" and "PersonWalking.jpeg"
// becomes "person walking".
func FilenameLabel(filename string) string {
	name := filepath.Base(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = trailingNumber.ReplaceAllString(name, "")
	name = camelBoundary.ReplaceAllString(name, "$1 $2")
	name = separators.ReplaceAllString(name, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return models.WildcardPrompt
	}
	return name
}

// usesFilenameLabels reports whether prompts come from image filenames
// instead of the configured objects. A sole generic prompt typed by the user
// opts in; the wildcard substituted for skip_detection does not.
func usesFilenameLabels(cfg models.RunConfig) bool {
	if cfg.FilenameLabels {
		return true
	}
	if cfg.SkipDetection || len(cfg.Objects) != 1 {
		return false
	}
	return lo.Contains(genericPrompts, strings.ToLower(cfg.Objects[0]))
}

// promptsFor returns the prompts sent to the detector for one image.
func promptsFor(cfg models.RunConfig, img models.ImageItem) []string {
	if usesFilenameLabels(cfg) {
		name := img.Filename
		if name == "" {
			name = img.Ref
		}
		return []string{FilenameLabel(name)}
	}
	return cfg.Objects
}
