// Package export renders snapshots as static images.
package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/treegrav/internal/snapshot"
)

type Projection int

const (
	XY Projection = iota
	XZ
	YZ
)

func ParseProjection(s string) (Projection, error) {
	switch strings.ToLower(s) {
	case "xy", "":
		return XY, nil
	case "xz":
		return XZ, nil
	case "yz":
		return YZ, nil
	}
	return XY, fmt.Errorf("unknown projection: %s", s)
}

func (p Projection) coords(r snapshot.Record) (float64, float64) {
	switch p {
	case XZ:
		return float64(r.X), float64(r.Z)
	case YZ:
		return float64(r.Y), float64(r.Z)
	}
	return float64(r.X), float64(r.Y)
}

// SnapshotSVG draws the records of a snapshot as dots on a square canvas.
// With extent > 0 the view is the square of half-width extent around the
// centre of mass; otherwise it is the bounding box plus 10% padding.
func SnapshotSVG(records []snapshot.Record, size int, proj Projection, extent float64) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
<g fill="#00ccff" fill-opacity="0.7">
`, size, size, size, size))

	if len(records) > 0 {
		minX, minY, span := view(records, proj, extent)
		scale := float64(size) / span
		for _, r := range records {
			x, y := proj.coords(r)
			cx := (x - minX) * scale
			cy := float64(size) - (y-minY)*scale
			if cx < 0 || cy < 0 || cx > float64(size) || cy > float64(size) {
				continue
			}
			sb.WriteString(fmt.Sprintf("<circle cx=\"%.1f\" cy=\"%.1f\" r=\"0.8\"/>\n", cx, cy))
		}
	}

	sb.WriteString("</g>\n</svg>")
	return sb.String()
}

// view returns the lower-left corner and side of the square drawn.
func view(records []snapshot.Record, proj Projection, extent float64) (float64, float64, float64) {
	if extent > 0 {
		var cx, cy, m float64
		for _, r := range records {
			x, y := proj.coords(r)
			cx += float64(r.Mass) * x
			cy += float64(r.Mass) * y
			m += float64(r.Mass)
		}
		if m > 0 {
			cx, cy = cx/m, cy/m
		}
		return cx - extent, cy - extent, 2 * extent
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, r := range records {
		x, y := proj.coords(r)
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		span = 1
	}
	pad := span * 0.1
	return minX - pad, minY - pad, span + 2*pad
}
