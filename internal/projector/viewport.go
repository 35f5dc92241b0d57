package projector

import (
	"github.com/golang/geo/r2"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/surface"
)

const (
	// FocusZoom is the zoom used when centering on a single report, and the
	// cap for fitting several.
	FocusZoom = 16
	// FitPadding is the pixel padding around fitted bounds.
	FitPadding = 50
)

// ViewportKind says which viewport command, if any, a render issues.
type ViewportKind int

const (
	ViewportNone ViewportKind = iota
	ViewportCenter
	ViewportFit
)

func (k ViewportKind) String() string {
	switch k {
	case ViewportCenter:
		return "center"
	case ViewportFit:
		return "fit"
	}
	return "none"
}

// Viewport is the view change derived from a set of placements.
type Viewport struct {
	Kind    ViewportKind
	Center  model.Point
	Zoom    float64
	Bounds  surface.Bounds
	Padding int
	MaxZoom float64
}

// ComputeViewport derives the view for the given placements: nothing for an
// empty set, a close centered view for one, and a padded fit for more.
func ComputeViewport(placements []model.Placement) Viewport {
	switch len(placements) {
	case 0:
		return Viewport{Kind: ViewportNone}
	case 1:
		p := placements[0]
		return Viewport{
			Kind:   ViewportCenter,
			Center: model.Point{Lng: p.Lng, Lat: p.Lat},
			Zoom:   FocusZoom,
		}
	}

	pts := make([]r2.Point, len(placements))
	for i, p := range placements {
		pts[i] = r2.Point{X: p.Lng, Y: p.Lat}
	}
	rect := r2.RectFromPoints(pts...)

	return Viewport{
		Kind: ViewportFit,
		Bounds: surface.Bounds{
			West:  rect.X.Lo,
			South: rect.Y.Lo,
			East:  rect.X.Hi,
			North: rect.Y.Hi,
		},
		Padding: FitPadding,
		MaxZoom: FocusZoom,
	}
}

// Apply issues the viewport command on s. ViewportNone leaves the view alone.
func (v Viewport) Apply(s surface.Surface) error {
	switch v.Kind {
	case ViewportCenter:
		return s.CenterOn(v.Center, v.Zoom, true)
	case ViewportFit:
		return s.FitBounds(v.Bounds, v.Padding, v.MaxZoom)
	}
	return nil
}
