package dataset

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/auto-annotate/internal/models"
)

// Record is one (image, label, box) triple recovered from an export. Image is
// the file stem assigned by Stems; Box is always populated in normalized
// space and in pixel space when the format carries image dimensions.
type Record struct {
	Image string
	Label string
	Box   models.Box
}

// RecordsFromSet flattens set into records comparable with parsed exports.
func RecordsFromSet(set *models.AnnotationSet) []Record {
	stems := Stems(set.Images)
	var out []Record
	for _, ref := range set.Images {
		for _, d := range set.Result(ref).Detections {
			out = append(out, Record{Image: stems[ref], Label: d.Label, Box: d.Box})
		}
	}
	return out
}

// ParseArchive reads an export produced by Export back into records.
func ParseArchive(data []byte, format string) ([]Record, error) {
	f, err := models.ParseExportFormat(format)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidArchive, err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		files[zf.Name] = zf
	}

	switch f {
	case models.FormatCOCO, models.FormatRoboflow:
		raw, err := readZipFile(files, cocoFilename)
		if err != nil {
			return nil, err
		}
		return ParseCOCO(raw)
	case models.FormatYOLO:
		return parseYOLOArchive(files)
	case models.FormatVOC:
		return parseVOCArchive(files)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, format)
}

func ParseCOCO(data []byte) ([]Record, error) {
	var doc COCODataset
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse COCO JSON: %w", err)
	}

	refs := make([]string, len(doc.Images))
	images := make(map[int]COCOImage, len(doc.Images))
	for i, img := range doc.Images {
		refs[i] = img.FileName
		images[img.ID] = img
	}
	stems := Stems(refs)

	categories := make(map[int]string, len(doc.Categories))
	for _, c := range doc.Categories {
		categories[c.ID] = c.Name
	}

	out := make([]Record, 0, len(doc.Annotations))
	for _, ann := range doc.Annotations {
		img, ok := images[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown image %d", ann.ID, ann.ImageID)
		}
		label, ok := categories[ann.CategoryID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown category %d", ann.ID, ann.CategoryID)
		}
		x, y, w, h := ann.BBox[0], ann.BBox[1], ann.BBox[2], ann.BBox[3]
		size := models.ImageSize{Width: img.Width, Height: img.Height}
		out = append(out, Record{
			Image: stems[img.FileName],
			Label: label,
			Box:   models.NewBox(x, y, x+w, y+h, size),
		})
	}
	return out, nil
}

// ParseYOLO parses one label file. classes maps class indexes to names.
func ParseYOLO(stem string, r io.Reader, classes []string) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("%s line %d: expected 5 fields, got %d", stem, line, len(fields))
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil || idx < 0 || idx >= len(classes) {
			return nil, fmt.Errorf("%s line %d: invalid class index %q", stem, line, fields[0])
		}
		var v [4]float64
		for i := range v {
			if v[i], err = strconv.ParseFloat(fields[i+1], 64); err != nil {
				return nil, fmt.Errorf("%s line %d: %w", stem, line, err)
			}
		}
		cx, cy, w, h := v[0], v[1], v[2], v[3]
		out = append(out, Record{
			Image: stem,
			Label: classes[idx],
			Box:   models.NewNormalizedBox(cx-w/2, cy-h/2, w, h, models.ImageSize{}),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseYOLOArchive(files map[string]*zip.File) ([]Record, error) {
	classes, err := yoloClasses(files)
	if err != nil {
		return nil, err
	}

	var names []string
	for name := range files {
		if strings.HasPrefix(name, "labels/") && strings.HasSuffix(name, ".txt") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []Record
	for _, name := range names {
		raw, err := readZipFile(files, name)
		if err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(path.Base(name), ".txt")
		records, err := ParseYOLO(stem, bytes.NewReader(raw), classes)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// yoloClasses prefers the names in data.yaml and falls back to classes.txt.
func yoloClasses(files map[string]*zip.File) ([]string, error) {
	if raw, err := readZipFile(files, "data.yaml"); err == nil {
		var data yoloData
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse data.yaml: %w", err)
		}
		classes := make([]string, len(data.Names))
		for i := range classes {
			name, ok := data.Names[i]
			if !ok {
				return nil, fmt.Errorf("data.yaml is missing class %d", i)
			}
			classes[i] = name
		}
		return classes, nil
	}

	raw, err := readZipFile(files, "classes.txt")
	if err != nil {
		return nil, err
	}
	var classes []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			classes = append(classes, line)
		}
	}
	return classes, nil
}

func ParseVOC(stem string, data []byte) ([]Record, error) {
	var doc VOCAnnotation
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse VOC XML %s: %w", stem, err)
	}
	size := models.ImageSize{Width: doc.Size.Width, Height: doc.Size.Height}
	out := make([]Record, 0, len(doc.Objects))
	for _, obj := range doc.Objects {
		b := obj.BndBox
		out = append(out, Record{
			Image: stem,
			Label: obj.Name,
			Box:   models.NewBox(float64(b.XMin), float64(b.YMin), float64(b.XMax), float64(b.YMax), size),
		})
	}
	return out, nil
}

func parseVOCArchive(files map[string]*zip.File) ([]Record, error) {
	var names []string
	for name := range files {
		if strings.HasPrefix(name, "Annotations/") && strings.HasSuffix(name, ".xml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []Record
	for _, name := range names {
		raw, err := readZipFile(files, name)
		if err != nil {
			return nil, err
		}
		records, err := ParseVOC(strings.TrimSuffix(path.Base(name), ".xml"), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	zf, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", models.ErrInvalidArchive, name)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
