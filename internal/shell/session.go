// Package shell drives one map client: the collecting/browsing mode machine,
// report fetches and pushes, selection, and the submission form.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/intelligrit/jalan-map/internal/feed"
	"github.com/intelligrit/jalan-map/internal/metrics"
	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/projector"
	"github.com/intelligrit/jalan-map/internal/surface"
)

// User-facing messages.
const (
	MsgLoadFailed     = "Failed to load reports"
	MsgSubmitted      = "Report submitted! Thank you"
	MsgSubmitFailed   = "Error submitting report"
	MsgLocateFailed   = "Could not get your location. Showing the default area instead."
	MsgLocateNoDevice = "Location is not available on this device. Showing the default area instead."
)

// LocateZoom is the zoom used after a successful device location.
const LocateZoom = 15

var (
	// ErrNoPin is returned when submitting before a location is known.
	ErrNoPin = errors.New("no report location selected")
	// ErrWrongMode is returned for actions the current mode does not allow.
	ErrWrongMode = errors.New("action not available in this mode")
	// ErrUnknownReport is returned when selecting a report that is not on the map.
	ErrUnknownReport = errors.New("report is not on the map")
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session closed")
)

// ErrLocationUnsupported is passed to Locate when the device has no
// geolocation.
var ErrLocationUnsupported = errors.New("geolocation unsupported")

// DataSource is what a session reads reports from and submits them to.
type DataSource interface {
	List(ctx context.Context) ([]model.Report, error)
	Insert(ctx context.Context, nr model.NewReport) (model.Report, error)
	Subscribe() *feed.Subscription
}

// Map is the surface a session owns, plus delivery of client events.
type Map interface {
	surface.Surface
	Dispatch(ev surface.Event) bool
}

// Options configure a session.
type Options struct {
	DefaultCenter model.Point
	DefaultZoom   float64
	Matcher       projector.Matcher
	// Location formats submission times in the detail panel. Defaults to UTC.
	Location *time.Location
}

// Form is the report submission form.
type Form struct {
	Category    []string `json:"category"`
	Subcategory []string `json:"subcategory"`
	Description string   `json:"description"`
}

// Session is the state of one map client. All surface mutations happen
// under the session lock, so the surface sees them in order.
type Session struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	source   DataSource
	surf     Map
	proj     *projector.Projector
	opts     Options
	onChange func(State)

	mode       model.Mode
	reports    []model.Report
	mappable   int
	selected   *model.Report
	err        string
	message    string
	pin        *model.Point
	draft      Form
	loading    bool
	submitting bool

	gen    uint64
	sub    *feed.Subscription
	closed bool
}

// New creates a session in collecting mode. onChange receives a snapshot
// after every state change; it runs with the session lock held and must not
// call back into the session.
func New(ctx context.Context, source DataSource, surf Map, opts Options, onChange func(State)) *Session {
	if opts.Matcher == nil {
		opts.Matcher = projector.ExactTagMatcher{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if onChange == nil {
		onChange = func(State) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:      ctx,
		cancel:   cancel,
		source:   source,
		surf:     surf,
		opts:     opts,
		onChange: onChange,
		mode:     model.ModeCollecting,
	}
	s.proj = projector.New(
		projector.WithMatcher(opts.Matcher),
		projector.WithSelect(s.selectLocked),
	)
	metrics.SessionsActive.Inc()
	return s
}

// Mode returns the current mode.
func (s *Session) Mode() model.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches between collecting and browsing. Switching to the
// current mode does nothing.
func (s *Session) SetMode(m model.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if m == s.mode {
		return nil
	}

	var err error
	switch m {
	case model.ModeCollecting:
		err = s.leaveBrowsingLocked()
	case model.ModeBrowsing:
		s.enterBrowsingLocked()
	default:
		return fmt.Errorf("unknown mode %q", m)
	}
	s.mode = m
	log.WithField("mode", m).Debug("session mode changed")
	s.emitLocked()
	return err
}

func (s *Session) enterBrowsingLocked() {
	if sub := s.source.Subscribe(); sub != nil {
		s.sub = sub
		s.wg.Add(1)
		go s.watch(sub)
	}
	s.fetchLocked()
}

func (s *Session) leaveBrowsingLocked() error {
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.gen++
	s.loading = false
	s.selected = nil
	s.mappable = 0

	var errs []error
	if err := s.proj.Clear(s.surf); err != nil {
		errs = append(errs, err)
	}
	if err := s.surf.ClosePopups(); err != nil {
		errs = append(errs, fmt.Errorf("closing popups: %w", err))
	}
	return errors.Join(errs...)
}

// Retry refetches the report list after a failure.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.mode != model.ModeBrowsing {
		return ErrWrongMode
	}
	s.fetchLocked()
	s.emitLocked()
	return nil
}

func (s *Session) fetchLocked() {
	s.gen++
	gen := s.gen
	s.loading = true
	s.err = ""

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reports, err := s.source.List(s.ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || gen != s.gen {
			log.WithField("generation", gen).Debug("discarding stale fetch result")
			return
		}
		s.loading = false
		if err != nil {
			metrics.FetchFailures.Inc()
			log.WithError(err).Warn("fetching reports")
			s.err = MsgLoadFailed
			s.emitLocked()
			return
		}
		s.reports = merge(reports, s.reports)
		s.renderLocked()
		s.emitLocked()
	}()
}

func (s *Session) watch(sub *feed.Subscription) {
	defer s.wg.Done()
	for r := range sub.C() {
		s.mu.Lock()
		if s.closed || s.sub != sub {
			s.mu.Unlock()
			continue
		}
		s.reports = merge([]model.Report{r}, s.reports)
		if !s.loading {
			s.renderLocked()
		}
		s.emitLocked()
		s.mu.Unlock()
	}
}

func (s *Session) renderLocked() {
	res, err := s.proj.Render(s.surf, s.reports)
	s.mappable = res.Mappable
	if err != nil {
		log.WithError(err).Error("rendering reports")
	}
	if s.selected != nil {
		if _, _, ok := s.proj.Lookup(s.selected.ID); !ok {
			s.selected = nil
		}
	}
}

// merge combines report lists, keeping the first occurrence of each id, and
// orders the result newest first.
func merge(lists ...[]model.Report) []model.Report {
	seen := make(map[string]bool)
	var out []model.Report
	for _, list := range lists {
		for _, r := range list {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Select opens the detail of the report with the given id. An empty id
// closes the detail.
func (s *Session) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if id == "" {
		s.selected = nil
		err := s.surf.ClosePopups()
		s.emitLocked()
		return err
	}

	if s.mode != model.ModeBrowsing {
		return ErrWrongMode
	}
	r, p, ok := s.proj.Lookup(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownReport)
	}
	s.selectLocked(r, p)
	return nil
}

func (s *Session) selectLocked(r model.Report, p model.Placement) {
	if err := s.surf.ClosePopups(); err != nil {
		log.WithError(err).Debug("closing popups")
	}
	if err := s.surf.OpenPopup(model.Point{Lng: p.Lng, Lat: p.Lat}, r.ID); err != nil {
		log.WithError(err).Warn("opening report popup")
	}
	s.selected = &r
	s.emitLocked()
}

// HandleMapEvent routes a click or hover from the client to the marker
// layer. It reports whether anything handled the event.
func (s *Session) HandleMapEvent(ev surface.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.mode != model.ModeBrowsing {
		return false
	}
	return s.surf.Dispatch(ev)
}

// Locate applies the result of a device location request. On failure the
// map falls back to the default center and a message is shown; the session
// stays usable either way.
func (s *Session) Locate(p model.Point, locErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var err error
	if locErr == nil {
		pin := p
		s.pin = &pin
		s.message = ""
		err = s.surf.CenterOn(p, LocateZoom, true)
	} else {
		log.WithError(locErr).Info("device location unavailable, using default center")
		pin := s.opts.DefaultCenter
		s.pin = &pin
		s.message = MsgLocateFailed
		if errors.Is(locErr, ErrLocationUnsupported) {
			s.message = MsgLocateNoDevice
		}
		err = s.surf.CenterOn(pin, s.opts.DefaultZoom, false)
	}
	s.emitLocked()
	return err
}

// MovePin sets the location the next report is submitted at.
func (s *Session) MovePin(p model.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.mode != model.ModeCollecting {
		return ErrWrongMode
	}
	s.pin = &p
	s.emitLocked()
	return nil
}

// Submit sends the form as a new report at the pin. The description is
// cleared on success.
func (s *Session) Submit(ctx context.Context, form Form) (model.Report, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Report{}, ErrClosed
	}
	if s.mode != model.ModeCollecting {
		s.mu.Unlock()
		return model.Report{}, ErrWrongMode
	}
	if s.pin == nil {
		s.mu.Unlock()
		return model.Report{}, ErrNoPin
	}
	if s.submitting {
		s.mu.Unlock()
		return model.Report{}, errors.New("a submission is already in progress")
	}
	pin := *s.pin
	s.draft = form
	s.submitting = true
	s.message = ""
	s.emitLocked()
	s.mu.Unlock()

	r, err := s.source.Insert(ctx, model.NewReport{
		Category:    form.Category,
		Subcategory: form.Subcategory,
		Description: form.Description,
		Lng:         model.Float(pin.Lng),
		Lat:         model.Float(pin.Lat),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if err != nil {
		log.WithError(err).Warn("submitting report")
		s.message = MsgSubmitFailed
	} else {
		s.message = MsgSubmitted
		s.draft.Description = ""
	}
	if !s.closed {
		s.emitLocked()
	}
	return r, err
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Close releases the subscription, the marker layer and any pending
// fetches. It waits for the session's goroutines to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	if err := s.proj.Clear(s.surf); err != nil {
		log.WithError(err).Debug("clearing markers on close")
	}
	if err := s.surf.ClosePopups(); err != nil {
		log.WithError(err).Debug("closing popups on close")
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	metrics.SessionsActive.Dec()
}

func (s *Session) emitLocked() {
	s.onChange(s.stateLocked())
}
