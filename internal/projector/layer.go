package projector

import (
	"fmt"
	"time"

	"github.com/apex/log"
	geojson "github.com/paulmach/go.geojson"

	"github.com/intelligrit/jalan-map/internal/metrics"
	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/surface"
)

const (
	// SourceID is the id of the marker source on the surface.
	SourceID = "reports"
	// LayerID is the id of the marker layer, whichever style backs it.
	LayerID = "reports-layer"
)

// LayerKind says which rendering path produced the marker layer.
type LayerKind string

const (
	LayerNone   LayerKind = ""
	LayerIcon   LayerKind = "icon"
	LayerCircle LayerKind = "circle"
)

// SelectFunc receives the report behind a clicked marker.
type SelectFunc func(r model.Report, p model.Placement)

type entry struct {
	report    model.Report
	placement model.Placement
}

// Projector turns a report list into a marker layer on a surface. It keeps
// the index needed to resolve clicks, so one Projector drives one surface.
type Projector struct {
	matcher  Matcher
	icon     func(model.Classification) ([]byte, error)
	onSelect SelectFunc

	index map[string]entry
	kind  LayerKind
}

// Option configures a Projector.
type Option func(*Projector)

// WithMatcher sets the classification policy.
func WithMatcher(m Matcher) Option {
	return func(p *Projector) { p.matcher = m }
}

// WithIcons replaces the icon renderer.
func WithIcons(fn func(model.Classification) ([]byte, error)) Option {
	return func(p *Projector) { p.icon = fn }
}

// WithSelect sets the callback invoked when a marker is clicked.
func WithSelect(fn SelectFunc) Option {
	return func(p *Projector) { p.onSelect = fn }
}

// New creates a Projector using exact-tag classification and drawn icons
// unless options say otherwise.
func New(opts ...Option) *Projector {
	p := &Projector{
		matcher: ExactTagMatcher{},
		icon:    Icon,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Classify classifies r with the projector's policy.
func (p *Projector) Classify(r model.Report) model.Classification {
	return Classify(p.matcher, r)
}

// Result summarizes a render pass.
type Result struct {
	Total      int
	Mappable   int
	Placements []model.Placement
	Viewport   Viewport
	Layer      LayerKind
}

// FeatureCollection builds the point features for the mappable reports, one
// per placement, in list order.
func (p *Projector) FeatureCollection(reports []model.Report) (*geojson.FeatureCollection, []model.Placement) {
	placements := Decluster(reports)
	fc := geojson.NewFeatureCollection()

	i := 0
	for _, r := range reports {
		if !r.Mappable() {
			continue
		}
		pl := placements[i]
		i++

		class := p.Classify(r)
		f := geojson.NewPointFeature([]float64{pl.Lng, pl.Lat})
		f.ID = r.ID
		f.SetProperty("id", r.ID)
		f.SetProperty("category", nonNil(r.Category))
		f.SetProperty("subcategory", nonNil(r.Subcategory))
		f.SetProperty("description", r.Description)
		f.SetProperty("createdAt", r.CreatedAt.UTC().Format(time.RFC3339))
		f.SetProperty("classification", string(class))
		f.SetProperty("color", Color(class))
		fc.AddFeature(f)
	}

	return fc, placements
}

// Render replaces the marker layer on s with one built from reports and
// moves the view to fit the placements. Any previous layer and source are
// removed first.
func (p *Projector) Render(s surface.Surface, reports []model.Report) (Result, error) {
	if err := p.Clear(s); err != nil {
		return Result{}, err
	}

	fc, placements := p.FeatureCollection(reports)
	res := Result{Total: len(reports), Mappable: len(placements), Placements: placements}

	if skipped := res.Total - res.Mappable; skipped > 0 {
		metrics.ReportsSkipped.Add(float64(skipped))
		for _, r := range reports {
			if !r.Mappable() {
				log.WithField("report", r.ID).Debug("report has no usable coordinates, not drawn")
			}
		}
	}

	if err := s.AddSource(SourceID, fc); err != nil {
		return res, fmt.Errorf("adding marker source: %w", err)
	}

	kind := LayerIcon
	if err := p.addIconLayer(s); err != nil {
		log.WithError(err).Warn("icon markers unavailable, using circle markers")
		kind = LayerCircle
		if err := s.AddLayer(CircleLayer()); err != nil {
			return res, fmt.Errorf("adding circle layer: %w", err)
		}
	}
	p.kind = kind
	res.Layer = kind

	p.index = make(map[string]entry, len(placements))
	i := 0
	for _, r := range reports {
		if !r.Mappable() {
			continue
		}
		p.index[r.ID] = entry{report: r, placement: placements[i]}
		i++
	}
	p.bind(s)

	res.Viewport = ComputeViewport(placements)
	if err := res.Viewport.Apply(s); err != nil {
		return res, fmt.Errorf("applying viewport: %w", err)
	}

	metrics.Renders.WithLabelValues(string(kind)).Inc()
	return res, nil
}

// Clear removes the marker layer, its source and its handlers from s.
func (p *Projector) Clear(s surface.Surface) error {
	for _, ev := range []string{surface.EventClick, surface.EventMouseEnter, surface.EventMouseLeave} {
		s.Off(ev, LayerID)
	}
	if s.HasLayer(LayerID) {
		if err := s.RemoveLayer(LayerID); err != nil {
			return fmt.Errorf("removing marker layer: %w", err)
		}
	}
	if s.HasSource(SourceID) {
		if err := s.RemoveSource(SourceID); err != nil {
			return fmt.Errorf("removing marker source: %w", err)
		}
	}
	p.index = nil
	p.kind = LayerNone
	return nil
}

// Kind reports which layer style is currently on the surface.
func (p *Projector) Kind() LayerKind {
	return p.kind
}

// Lookup returns the rendered report with the given id.
func (p *Projector) Lookup(id string) (model.Report, model.Placement, bool) {
	e, ok := p.index[id]
	return e.report, e.placement, ok
}

func (p *Projector) addIconLayer(s surface.Surface) error {
	for _, c := range model.Classifications {
		id := IconID(c)
		if s.HasImage(id) {
			continue
		}
		png, err := p.icon(c)
		if err != nil {
			return err
		}
		if err := s.AddImage(id, png); err != nil {
			return fmt.Errorf("registering %s: %w", id, err)
		}
	}
	return s.AddLayer(IconLayer())
}

func (p *Projector) bind(s surface.Surface) {
	s.On(surface.EventClick, LayerID, func(ev surface.Event) {
		e, ok := p.index[ev.FeatureID]
		if !ok {
			return
		}
		if p.onSelect != nil {
			p.onSelect(e.report, e.placement)
		}
	})
	s.On(surface.EventMouseEnter, LayerID, func(surface.Event) {
		if err := s.SetCursor("pointer"); err != nil {
			log.WithError(err).Debug("setting cursor")
		}
	})
	s.On(surface.EventMouseLeave, LayerID, func(surface.Event) {
		if err := s.SetCursor(""); err != nil {
			log.WithError(err).Debug("resetting cursor")
		}
	})
}

// IconLayer is the symbol layer drawing each feature with its
// classification's icon.
func IconLayer() surface.LayerSpec {
	return surface.LayerSpec{
		ID:     LayerID,
		Type:   "symbol",
		Source: SourceID,
		Layout: map[string]any{
			"icon-image":         []any{"concat", "report-", []any{"get", "classification"}},
			"icon-allow-overlap": true,
		},
	}
}

// CircleLayer is the fallback layer coloring circles by classification.
func CircleLayer() surface.LayerSpec {
	return surface.LayerSpec{
		ID:     LayerID,
		Type:   "circle",
		Source: SourceID,
		Paint: map[string]any{
			"circle-radius": iconRadius,
			"circle-color": []any{
				"match", []any{"get", "classification"},
				string(model.ClassBoth), ColorBoth,
				string(model.ClassPhysical), ColorPhysical,
				string(model.ClassEmotional), ColorEmotional,
				ColorOther,
			},
			"circle-stroke-width": iconBorder,
			"circle-stroke-color": "#FFFFFF",
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
