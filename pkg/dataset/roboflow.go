package dataset

import (
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

type roboflowDescriptor struct {
	Version      string   `json:"version"`
	Type         string   `json:"type"`
	Classes      []string `json:"classes"`
	ExportFormat string   `json:"export_format"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at"`
}

// roboflowExporter writes the COCO document unchanged plus a descriptor the
// Roboflow importer reads for class names.
type roboflowExporter struct{}

func (roboflowExporter) info() FormatInfo {
	return FormatInfo{
		ID:          models.FormatRoboflow,
		Name:        "Roboflow",
		Description: "COCO-compatible JSON with a Roboflow descriptor for direct upload to the platform.",
	}
}

func (roboflowExporter) write(a *archive, set *models.AnnotationSet) error {
	if err := (cocoExporter{}).write(a, set); err != nil {
		return err
	}
	return a.addJSON("_roboflow.json", roboflowDescriptor{
		Version:      "1.0",
		Type:         "object_detection",
		Classes:      set.Labels(),
		ExportFormat: "coco",
		CreatedBy:    a.opts.Generator,
		CreatedAt:    a.opts.Now.Format(time.RFC3339),
	})
}
