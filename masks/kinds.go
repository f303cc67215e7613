// Package masks derives named overlay masks from granule mask polygons and
// from categorical band codings.
package masks

import (
	"fmt"
	"image/color"
	"strings"
)

// Level is a bit set of processing levels.
type Level uint8

const (
	Level1A Level = 1 << iota
	Level1B
	Level1C
	Level2A
)

var levelNames = map[string]Level{
	"Level-1A": Level1A,
	"Level-1B": Level1B,
	"Level-1C": Level1C,
	"Level-2A": Level2A,
}

// ParseLevel accepts "Level-1C", "1C" or "L1C" in any case.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "LEVEL-")
	norm = strings.TrimPrefix(norm, "L")
	for name, l := range levelNames {
		if strings.TrimPrefix(strings.ToUpper(name), "LEVEL-") == norm {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown processing level %q", s)
}

func (l Level) String() string {
	var parts []string
	for _, name := range []string{"Level-1A", "Level-1B", "Level-1C", "Level-2A"} {
		if l&levelNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// MaskKind is one category of vector mask found in the granule mask files.
type MaskKind struct {
	// MainType selects mask files, SubType selects polygons within them.
	MainType    string
	SubType     string
	Name        string
	Description string
	Levels      Level
	// PerBand kinds exist once per spectral band.
	PerBand      bool
	Color        color.RGBA
	Transparency float64
}

// PresentAt reports whether the kind is produced at processing level l.
func (k MaskKind) PresentAt(l Level) bool {
	return k.Levels&l != 0
}

// NameForBand is the mask name of a per-band kind.
func (k MaskKind) NameForBand(band string) string {
	return k.Name + "_" + band
}

// NameForResolution is the mask name of a kind shared by all bands of a
// resolution.
func (k MaskKind) NameForResolution(res int) string {
	return fmt.Sprintf("%s_%dm", k.Name, res)
}

func (k MaskKind) DescriptionForBand(band string) string {
	return fmt.Sprintf("%s - %s", k.Description, band)
}

const allLevels = Level1A | Level1B | Level1C | Level2A

// Kinds is the catalog of MSI vector masks, in the order masks are emitted.
var Kinds = []MaskKind{
	{
		MainType: "MSK_DETFOO", SubType: "DETECTOR_FOOTPRINT",
		Name: "detector_footprint", Description: "Detector footprint",
		Levels: Level1B | Level1C | Level2A, PerBand: true,
		Color: color.RGBA{R: 255, G: 0, B: 255, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_NODATA", SubType: "QT_NODATA_PIXELS",
		Name: "nodata", Description: "Radiometric quality - no data pixels",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 255, G: 165, B: 0, A: 255}, Transparency: 0.1,
	},
	{
		MainType: "MSK_NODATA", SubType: "QT_PARTIALLY_CORRECTED_PIXELS",
		Name: "partially_corrected_crosstalk", Description: "Radiometric quality - pixels partially corrected for crosstalk",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 255, G: 0, B: 0, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_SATURA", SubType: "L1A_SATURATION",
		Name: "saturated_l1a", Description: "Radiometric quality - saturated pixels in L1A",
		Levels: Level1A | Level1B | Level1C | Level2A, PerBand: true,
		Color: color.RGBA{R: 255, G: 255, B: 0, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_SATURA", SubType: "L1B_SATURATION",
		Name: "saturated_l1b", Description: "Radiometric quality - saturated pixels in L1B",
		Levels: Level1B | Level1C | Level2A, PerBand: true,
		Color: color.RGBA{R: 255, G: 200, B: 0, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_DEFECT", SubType: "QT_DEFECTIVE_PIXELS",
		Name: "defective", Description: "Radiometric quality - defective pixels",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 0, G: 255, B: 255, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_TECQUA", SubType: "ANC_LOST",
		Name: "ancillary_lost", Description: "Technical quality - lost ancillary packets",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 0, G: 128, B: 0, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_TECQUA", SubType: "ANC_DEG",
		Name: "ancillary_degraded", Description: "Technical quality - degraded ancillary packets",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 0, G: 200, B: 0, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_TECQUA", SubType: "MSI_LOST",
		Name: "msi_lost", Description: "Technical quality - lost MSI packets",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 0, G: 0, B: 128, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_TECQUA", SubType: "MSI_DEG",
		Name: "msi_degraded", Description: "Technical quality - degraded MSI packets",
		Levels: allLevels, PerBand: true,
		Color: color.RGBA{R: 0, G: 0, B: 255, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_CLOLOW", SubType: "CLOUD",
		Name: "coarse_cloud", Description: "Coarse cloud mask",
		Levels: Level1A, PerBand: false,
		Color: color.RGBA{R: 128, G: 128, B: 128, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_CLOUDS", SubType: "OPAQUE",
		Name: "opaque_clouds", Description: "Opaque clouds",
		Levels: Level1C | Level2A, PerBand: false,
		Color: color.RGBA{R: 204, G: 204, B: 255, A: 255}, Transparency: 0.5,
	},
	{
		MainType: "MSK_CLOUDS", SubType: "CIRRUS",
		Name: "cirrus_clouds", Description: "Cirrus clouds",
		Levels: Level1C | Level2A, PerBand: false,
		Color: color.RGBA{R: 204, G: 255, B: 255, A: 255}, Transparency: 0.5,
	},
}
