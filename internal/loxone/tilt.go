package loxone

import (
	"math"
	"strconv"
	"strings"
)

const (
	transformSlatsVertical   = "jal_slats_vertical"
	transformSlatsHorizontal = "jal_slats_horizontal"
	transformSlatsShading    = "jal_slats_shading"

	// value assumed for a missing slat transform
	missingSlatTransform = -20
	// a slat layer at rest
	restingSlatTransform = 20
)

// TiltFromTransforms infers the slat tilt from the SVG transforms the web
// interface applies to the jalousie icon layers.
func TiltFromTransforms(transforms map[string]any) Tilt {
	if transforms == nil {
		return TiltClosed
	}

	vertical := slatTransform(transforms, transformSlatsVertical)
	horizontal := slatTransform(transforms, transformSlatsHorizontal)
	shading := slatTransform(transforms, transformSlatsShading)

	switch {
	case vertical == 0:
		return TiltClosed
	case shading != restingSlatTransform:
		return TiltTilted
	case horizontal != restingSlatTransform:
		return TiltOpen
	default:
		return TiltClosed
	}
}

// slatTransform parses the second number of a "x,y" transform.
func slatTransform(transforms map[string]any, key string) float64 {
	raw, ok := transforms[key].(string)
	if !ok || raw == "" {
		return math.Abs(missingSlatTransform)
	}

	parts := strings.Split(raw, ",")
	if len(parts) < 2 {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return math.NaN()
	}
	return math.Abs(v)
}
