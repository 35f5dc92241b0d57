package surface

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	geojson "github.com/paulmach/go.geojson"

	"github.com/intelligrit/jalan-map/internal/model"
)

// Command operations emitted by a Scene.
const (
	OpInit         = "init"
	OpAddSource    = "addSource"
	OpRemoveSource = "removeSource"
	OpAddLayer     = "addLayer"
	OpRemoveLayer  = "removeLayer"
	OpAddImage     = "addImage"
	OpFitBounds    = "fitBounds"
	OpCenterOn     = "centerOn"
	OpSetCursor    = "setCursor"
	OpOpenPopup    = "openPopup"
	OpClosePopups  = "closePopups"
)

// Options configure the map when the client creates it.
type Options struct {
	AccessToken string      `json:"access_token"`
	StyleURL    string      `json:"style_url"`
	Center      model.Point `json:"center"`
	Zoom        float64     `json:"zoom"`
}

// Command is a single surface mutation, serialized for the client.
type Command struct {
	Op       string                     `json:"op"`
	ID       string                     `json:"id,omitempty"`
	Data     *geojson.FeatureCollection `json:"data,omitempty"`
	Layer    *LayerSpec                 `json:"layer,omitempty"`
	Image    string                     `json:"image,omitempty"`
	Bounds   *Bounds                    `json:"bounds,omitempty"`
	Center   *model.Point               `json:"center,omitempty"`
	Zoom     float64                    `json:"zoom,omitempty"`
	Padding  int                        `json:"padding,omitempty"`
	MaxZoom  float64                    `json:"max_zoom,omitempty"`
	Animate  bool                       `json:"animate,omitempty"`
	Cursor   string                     `json:"cursor,omitempty"`
	ReportID string                     `json:"report_id,omitempty"`
	Options  *Options                   `json:"options,omitempty"`
}

// Sink receives the commands a Scene emits.
type Sink func(Command) error

type handlerKey struct {
	event, layer string
}

// Scene is a Surface that keeps the map state in memory and forwards each
// mutation to a Sink. State only changes when the sink accepts the command.
type Scene struct {
	mu       sync.Mutex
	sink     Sink
	sources  map[string]*geojson.FeatureCollection
	layers   map[string]LayerSpec
	images   map[string][]byte
	handlers map[handlerKey]Handler
	popups   int
	cursor   string
}

// NewScene creates a scene and emits the init command carrying opts.
func NewScene(opts Options, sink Sink) (*Scene, error) {
	if sink == nil {
		sink = func(Command) error { return nil }
	}
	s := &Scene{
		sink:     sink,
		sources:  make(map[string]*geojson.FeatureCollection),
		layers:   make(map[string]LayerSpec),
		images:   make(map[string][]byte),
		handlers: make(map[handlerKey]Handler),
	}
	if err := sink(Command{Op: OpInit, Options: &opts}); err != nil {
		return nil, fmt.Errorf("initializing map: %w", err)
	}
	return s, nil
}

func (s *Scene) HasSource(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[id]
	return ok
}

func (s *Scene) AddSource(id string, data *geojson.FeatureCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; ok {
		return fmt.Errorf("source %q: %w", id, ErrExists)
	}
	if err := s.sink(Command{Op: OpAddSource, ID: id, Data: data}); err != nil {
		return err
	}
	s.sources[id] = data
	return nil
}

func (s *Scene) RemoveSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("source %q: %w", id, ErrNotFound)
	}
	for _, l := range s.layers {
		if l.Source == id {
			return fmt.Errorf("source %q is still used by layer %q", id, l.ID)
		}
	}
	if err := s.sink(Command{Op: OpRemoveSource, ID: id}); err != nil {
		return err
	}
	delete(s.sources, id)
	return nil
}

func (s *Scene) HasLayer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.layers[id]
	return ok
}

func (s *Scene) AddLayer(layer LayerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[layer.ID]; ok {
		return fmt.Errorf("layer %q: %w", layer.ID, ErrExists)
	}
	if _, ok := s.sources[layer.Source]; !ok {
		return fmt.Errorf("layer %q source %q: %w", layer.ID, layer.Source, ErrNotFound)
	}
	if err := s.sink(Command{Op: OpAddLayer, Layer: &layer}); err != nil {
		return err
	}
	s.layers[layer.ID] = layer
	return nil
}

func (s *Scene) RemoveLayer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[id]; !ok {
		return fmt.Errorf("layer %q: %w", id, ErrNotFound)
	}
	if err := s.sink(Command{Op: OpRemoveLayer, ID: id}); err != nil {
		return err
	}
	delete(s.layers, id)
	return nil
}

func (s *Scene) HasImage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.images[id]
	return ok
}

// AddImage registers a PNG under id. The client receives it as a data URL.
func (s *Scene) AddImage(id string, png []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; ok {
		return fmt.Errorf("image %q: %w", id, ErrExists)
	}
	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	if err := s.sink(Command{Op: OpAddImage, ID: id, Image: url}); err != nil {
		return err
	}
	s.images[id] = png
	return nil
}

func (s *Scene) FitBounds(b Bounds, paddingPx int, maxZoom float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink(Command{Op: OpFitBounds, Bounds: &b, Padding: paddingPx, MaxZoom: maxZoom})
}

func (s *Scene) CenterOn(p model.Point, zoom float64, animate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink(Command{Op: OpCenterOn, Center: &p, Zoom: zoom, Animate: animate})
}

// On registers h for event on layerID, replacing any previous handler.
func (s *Scene) On(event, layerID string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handlerKey{event, layerID}] = h
}

func (s *Scene) Off(event, layerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, handlerKey{event, layerID})
}

func (s *Scene) SetCursor(cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink(Command{Op: OpSetCursor, Cursor: cursor}); err != nil {
		return err
	}
	s.cursor = cursor
	return nil
}

func (s *Scene) OpenPopup(p model.Point, reportID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink(Command{Op: OpOpenPopup, Center: &p, ReportID: reportID}); err != nil {
		return err
	}
	s.popups++
	return nil
}

func (s *Scene) ClosePopups() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.popups == 0 {
		return nil
	}
	if err := s.sink(Command{Op: OpClosePopups}); err != nil {
		return err
	}
	s.popups = 0
	return nil
}

// Dispatch delivers a client event to the handler registered for it.
// It reports whether a handler was found.
func (s *Scene) Dispatch(ev Event) bool {
	s.mu.Lock()
	h, ok := s.handlers[handlerKey{ev.Type, ev.LayerID}]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h(ev)
	return true
}

// Sources returns the registered source ids, sorted.
func (s *Scene) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.sources)
}

// Layers returns the registered layer ids, sorted.
func (s *Scene) Layers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.layers)
}

// Layer returns the spec of a registered layer.
func (s *Scene) Layer(id string) (LayerSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[id]
	return l, ok
}

// Source returns the data of a registered source.
func (s *Scene) Source(id string) (*geojson.FeatureCollection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, ok := s.sources[id]
	return fc, ok
}

// Images returns the registered image ids, sorted.
func (s *Scene) Images() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.images)
}

// OpenPopups returns how many popups are currently open.
func (s *Scene) OpenPopups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popups
}

// Cursor returns the current cursor affordance.
func (s *Scene) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// HandlerCount returns how many event handlers are registered.
func (s *Scene) HandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
