package projector

import (
	"bytes"
	"fmt"
	"math"

	"github.com/fogleman/gg"

	"github.com/intelligrit/jalan-map/internal/model"
)

const (
	iconSize   = 20
	iconRadius = 8
	iconBorder = 2
)

// IconID is the image id a classification's icon is registered under.
func IconID(c model.Classification) string {
	return "report-" + string(c)
}

// Icon draws the marker icon for a classification as a PNG. The icon for
// ClassBoth is a circle split between the physical and emotional colors.
func Icon(c model.Classification) ([]byte, error) {
	dc := gg.NewContext(iconSize, iconSize)
	cx, cy := float64(iconSize)/2, float64(iconSize)/2

	if c == model.ClassBoth {
		halfDisc(dc, cx, cy, math.Pi/2, 3*math.Pi/2, ColorPhysical)
		halfDisc(dc, cx, cy, -math.Pi/2, math.Pi/2, ColorEmotional)
	} else {
		dc.DrawCircle(cx, cy, iconRadius)
		dc.SetHexColor(Color(c))
		dc.Fill()
	}

	dc.DrawCircle(cx, cy, iconRadius)
	if c == model.ClassBoth {
		dc.SetHexColor(ColorBoth)
	} else {
		dc.SetRGB(1, 1, 1)
	}
	dc.SetLineWidth(iconBorder)
	dc.Stroke()

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encoding %s icon: %w", c, err)
	}
	return buf.Bytes(), nil
}

func halfDisc(dc *gg.Context, cx, cy, from, to float64, color string) {
	dc.MoveTo(cx, cy)
	dc.DrawArc(cx, cy, iconRadius, from, to)
	dc.ClosePath()
	dc.SetHexColor(color)
	dc.Fill()
}
