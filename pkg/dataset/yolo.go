package dataset

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

type yoloData struct {
	Path  string         `yaml:"path"`
	Train string         `yaml:"train"`
	Val   string         `yaml:"val"`
	NC    int            `yaml:"nc"`
	Names map[int]string `yaml:"names"`
}

type yoloExporter struct{}

func (yoloExporter) info() FormatInfo {
	return FormatInfo{
		ID:          models.FormatYOLO,
		Name:        "YOLO",
		Description: "One normalized label file per image plus classes.txt and data.yaml, ready for YOLO training.",
	}
}

func (yoloExporter) write(a *archive, set *models.AnnotationSet) error {
	classes := set.Labels()
	classIndex := make(map[string]int, len(classes))
	names := make(map[int]string, len(classes))
	for i, c := range classes {
		classIndex[c] = i
		names[i] = c
	}

	stems := Stems(set.Images)
	for _, ref := range set.Images {
		result := set.Result(ref)
		var b strings.Builder
		for _, d := range result.Detections {
			box := d.Box.Clip(result.Size)
			cx := box.X + box.Width/2
			cy := box.Y + box.Height/2
			fmt.Fprintf(&b, "%d %.6f %.6f %.6f %.6f\n", classIndex[d.Label], cx, cy, box.Width, box.Height)
		}
		if err := a.addFile(path.Join("labels", stems[ref]+".txt"), []byte(b.String())); err != nil {
			return err
		}
	}

	if err := a.addFile("classes.txt", []byte(strings.Join(classes, "\n"))); err != nil {
		return err
	}

	data, err := yaml.Marshal(yoloData{
		Path:  ".",
		Train: "images",
		Val:   "images",
		NC:    len(classes),
		Names: names,
	})
	if err != nil {
		return fmt.Errorf("failed to encode data.yaml: %w", err)
	}
	return a.addFile("data.yaml", data)
}
