package dataset

import (
	"encoding/xml"
	"fmt"
	"math"
	"path"
	"strconv"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

type VOCAnnotation struct {
	XMLName   xml.Name    `xml:"annotation"`
	Folder    string      `xml:"folder"`
	Filename  string      `xml:"filename"`
	Source    VOCSource   `xml:"source"`
	Size      VOCSize     `xml:"size"`
	Segmented int         `xml:"segmented"`
	Objects   []VOCObject `xml:"object"`
}

type VOCSource struct {
	Database string `xml:"database"`
}

type VOCSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
	Depth  int `xml:"depth"`
}

type VOCObject struct {
	Name       string    `xml:"name"`
	Pose       string    `xml:"pose"`
	Truncated  int       `xml:"truncated"`
	Difficult  int       `xml:"difficult"`
	Confidence Coord     `xml:"confidence"`
	BndBox     VOCBndBox `xml:"bndbox"`
}

type VOCBndBox struct {
	XMin Coord `xml:"xmin"`
	YMin Coord `xml:"ymin"`
	XMax Coord `xml:"xmax"`
	YMax Coord `xml:"ymax"`
}

// Coord is a pixel value written with at most two decimals, and without any
// decimals when integral.
type Coord float64

func (c Coord) MarshalText() ([]byte, error) {
	v := math.Round(float64(c)*100) / 100
	return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
}

func (c *Coord) UnmarshalText(text []byte) error {
	v, err := strconv.ParseFloat(string(text), 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", text, err)
	}
	*c = Coord(v)
	return nil
}

// BuildVOC converts the annotations of a single image.
func BuildVOC(result models.ImageAnnotations) VOCAnnotation {
	doc := VOCAnnotation{
		Folder:   "images",
		Filename: result.Ref,
		Source:   VOCSource{Database: "auto-annotate"},
		Size: VOCSize{
			Width:  result.Size.Width,
			Height: result.Size.Height,
			Depth:  3,
		},
		Segmented: 0,
	}
	for _, d := range result.Detections {
		box := d.Box.Clip(result.Size)
		doc.Objects = append(doc.Objects, VOCObject{
			Name:       d.Label,
			Pose:       "Unspecified",
			Truncated:  0,
			Difficult:  0,
			Confidence: Coord(d.Score),
			BndBox: VOCBndBox{
				XMin: Coord(box.X1),
				YMin: Coord(box.Y1),
				XMax: Coord(box.X2),
				YMax: Coord(box.Y2),
			},
		})
	}
	return doc
}

type vocExporter struct{}

func (vocExporter) info() FormatInfo {
	return FormatInfo{
		ID:          models.FormatVOC,
		Name:        "Pascal VOC",
		Description: "One XML annotation file per image in the Pascal VOC layout.",
	}
}

func (vocExporter) write(a *archive, set *models.AnnotationSet) error {
	stems := Stems(set.Images)
	for _, ref := range set.Images {
		data, err := xml.MarshalIndent(BuildVOC(set.Result(ref)), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode VOC annotation for %s: %w", ref, err)
		}
		data = append([]byte(xml.Header), data...)
		if err := a.addFile(path.Join("Annotations", stems[ref]+".xml"), data); err != nil {
			return err
		}
	}
	return nil
}
