package dataset

import (
	"time"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

const cocoFilename = "annotations.json"

type COCODataset struct {
	Info        COCOInfo         `json:"info"`
	Licenses    []COCOLicense    `json:"licenses"`
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []COCOCategory   `json:"categories"`
}

type COCOInfo struct {
	Description string `json:"description"`
	Version     string `json:"version"`
	Year        int    `json:"year"`
	Contributor string `json:"contributor"`
	DateCreated string `json:"date_created"`
}

type COCOLicense struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type COCOImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type COCOAnnotation struct {
	ID           int         `json:"id"`
	ImageID      int         `json:"image_id"`
	CategoryID   int         `json:"category_id"`
	BBox         [4]float64  `json:"bbox"`
	Area         float64     `json:"area"`
	IsCrowd      int         `json:"iscrowd"`
	Score        float64     `json:"score"`
	Segmentation [][]float64 `json:"segmentation"`
}

type COCOCategory struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

// BuildCOCO converts set into a COCO document. Image ids follow upload
// order, annotation ids run from 1 and category ids follow first-seen label
// order.
func BuildCOCO(set *models.AnnotationSet, now time.Time, generator string) COCODataset {
	doc := COCODataset{
		Info: COCOInfo{
			Description: "Auto-generated annotations",
			Version:     "1.0",
			Year:        now.Year(),
			Contributor: generator,
			DateCreated: now.Format(time.RFC3339),
		},
		Licenses:    []COCOLicense{{ID: 1, Name: "Unknown", URL: ""}},
		Images:      []COCOImage{},
		Annotations: []COCOAnnotation{},
		Categories:  []COCOCategory{},
	}

	categoryIDs := make(map[string]int)
	for i, label := range set.Labels() {
		categoryIDs[label] = i + 1
		doc.Categories = append(doc.Categories, COCOCategory{ID: i + 1, Name: label, Supercategory: "object"})
	}

	annotationID := 1
	for i, ref := range set.Images {
		imageID := i + 1
		result := set.Result(ref)
		doc.Images = append(doc.Images, COCOImage{
			ID:       imageID,
			FileName: ref,
			Width:    result.Size.Width,
			Height:   result.Size.Height,
		})

		for _, d := range result.Detections {
			b := d.Box.Clip(result.Size)
			w, h := b.PixelWidth(), b.PixelHeight()
			area := w * h
			segmentation := [][]float64{{b.X1, b.Y1, b.X2, b.Y1, b.X2, b.Y2, b.X1, b.Y2}}
			if len(d.Polygon) >= 3 {
				segmentation = [][]float64{d.Polygon.Flatten()}
				area = d.Polygon.Area()
			}
			doc.Annotations = append(doc.Annotations, COCOAnnotation{
				ID:           annotationID,
				ImageID:      imageID,
				CategoryID:   categoryIDs[d.Label],
				BBox:         [4]float64{b.X1, b.Y1, w, h},
				Area:         area,
				IsCrowd:      0,
				Score:        d.Score,
				Segmentation: segmentation,
			})
			annotationID++
		}
	}

	return doc
}

type cocoExporter struct{}

func (cocoExporter) info() FormatInfo {
	return FormatInfo{
		ID:          models.FormatCOCO,
		Name:        "COCO JSON",
		Description: "Common Objects in Context format, widely used for object detection and segmentation.",
	}
}

func (cocoExporter) write(a *archive, set *models.AnnotationSet) error {
	return a.addJSON(cocoFilename, BuildCOCO(set, a.opts.Now, a.opts.Generator))
}
