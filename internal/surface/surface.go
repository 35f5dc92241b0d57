// Package surface describes the map-rendering surface that the projector
// drives, and provides Scene, an implementation that records the surface
// state and streams every mutation to a client as a Command.
package surface

import (
	"errors"

	geojson "github.com/paulmach/go.geojson"

	"github.com/intelligrit/jalan-map/internal/model"
)

var (
	// ErrExists is returned when adding a source, layer or image whose id is
	// already registered.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned when removing something that is not registered.
	ErrNotFound = errors.New("not found")
)

// Map event names.
const (
	EventClick      = "click"
	EventMouseEnter = "mouseenter"
	EventMouseLeave = "mouseleave"
)

// Bounds is an axis-aligned lng/lat box.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Contains reports whether p lies inside b, edges included.
func (b Bounds) Contains(p model.Point) bool {
	return p.Lng >= b.West && p.Lng <= b.East && p.Lat >= b.South && p.Lat <= b.North
}

// LayerSpec is a style-layer declaration in the rendering engine's format.
type LayerSpec struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Layout map[string]any `json:"layout,omitempty"`
	Paint  map[string]any `json:"paint,omitempty"`
}

// Event is a user interaction with a layer.
type Event struct {
	Type      string      `json:"type"`
	LayerID   string      `json:"layer"`
	FeatureID string      `json:"feature,omitempty"`
	Point     model.Point `json:"point"`
}

// Handler reacts to a layer event.
type Handler func(Event)

// Surface is the rendering-surface contract. Implementations are not safe for
// concurrent mutation unless they say otherwise; callers serialize access.
type Surface interface {
	HasSource(id string) bool
	AddSource(id string, data *geojson.FeatureCollection) error
	RemoveSource(id string) error

	HasLayer(id string) bool
	AddLayer(layer LayerSpec) error
	RemoveLayer(id string) error

	HasImage(id string) bool
	AddImage(id string, png []byte) error

	FitBounds(b Bounds, paddingPx int, maxZoom float64) error
	CenterOn(p model.Point, zoom float64, animate bool) error

	On(event, layerID string, h Handler)
	Off(event, layerID string)

	SetCursor(cursor string) error
	OpenPopup(p model.Point, reportID string) error
	ClosePopups() error
}
