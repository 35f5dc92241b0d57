package shell

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/intelligrit/jalan-map/internal/feed"
	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/projector"
	"github.com/intelligrit/jalan-map/internal/surface"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

var defaultCenter = model.Point{Lng: -74.5, Lat: 40}

type fakeSource struct {
	mu        sync.Mutex
	reports   []model.Report
	err       error
	gate      chan struct{}
	lists     int
	inserted  []model.NewReport
	insertErr error
	broker    *feed.Broker
}

func (f *fakeSource) List(ctx context.Context) ([]model.Report, error) {
	f.mu.Lock()
	f.lists++
	gate := f.gate
	reports := append([]model.Report(nil), f.reports...)
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reports, err
}

func (f *fakeSource) Insert(_ context.Context, nr model.NewReport) (model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return model.Report{}, f.insertErr
	}
	f.inserted = append(f.inserted, nr)
	return model.Report{ID: "new", Category: nr.Category, Lng: nr.Lng, Lat: nr.Lat, CreatedAt: time.Now()}, nil
}

func (f *fakeSource) Subscribe() *feed.Subscription {
	if f.broker == nil {
		return nil
	}
	return f.broker.Subscribe()
}

func (f *fakeSource) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

var base = time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

func rep(id string, lng, lat float64, age time.Duration, category ...string) model.Report {
	return model.Report{
		ID:        id,
		Category:  category,
		Lng:       model.Float(lng),
		Lat:       model.Float(lat),
		CreatedAt: base.Add(-age),
	}
}

func newSession(t *testing.T, src *fakeSource) (*Session, *surface.Scene) {
	t.Helper()
	scene, err := surface.NewScene(surface.Options{}, nil)
	require.NoError(t, err)
	s := New(context.Background(), src, scene, Options{DefaultCenter: defaultCenter, DefaultZoom: 9}, nil)
	t.Cleanup(s.Close)
	return s, scene
}

func loaded(s *Session) func() bool {
	return func() bool {
		st := s.State()
		return !st.Loading && st.Error == "" && st.Mode == model.ModeBrowsing
	}
}

func TestBrowsingRendersFetchedReports(t *testing.T) {
	unmappable := model.Report{ID: "nowhere", Category: []string{model.CategoryPhysical}, Lat: model.Float(math.NaN()), CreatedAt: base}
	src := &fakeSource{reports: []model.Report{
		rep("a", 1, 1, time.Hour, model.CategoryPhysical),
		rep("b", 2, 2, 2*time.Hour, model.CategoryEmotional),
		unmappable,
	}}
	s, scene := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, loaded(s), waitFor, tick)

	st := s.State()
	assert.Equal(t, 3, st.Total, "total counts unmappable reports")
	assert.Equal(t, 2, st.Mappable)
	assert.Equal(t, []string{projector.LayerID}, scene.Layers())
	assert.Equal(t, []string{projector.SourceID}, scene.Sources())
}

func TestSameModeIsNoop(t *testing.T) {
	src := &fakeSource{}
	var mu sync.Mutex
	emits := 0
	scene, err := surface.NewScene(surface.Options{}, nil)
	require.NoError(t, err)
	s := New(context.Background(), src, scene, Options{}, func(State) {
		mu.Lock()
		emits++
		mu.Unlock()
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.SetMode(model.ModeCollecting))
	mu.Lock()
	assert.Equal(t, 0, emits)
	mu.Unlock()

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, loaded(s), waitFor, tick)
	assert.Equal(t, 1, src.listCount())
}

func TestCollectingTearsDownMarkers(t *testing.T) {
	src := &fakeSource{reports: []model.Report{rep("a", 1, 1, 0, model.CategoryPhysical)}}
	s, scene := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, loaded(s), waitFor, tick)

	assert.True(t, s.HandleMapEvent(surface.Event{Type: surface.EventClick, LayerID: projector.LayerID, FeatureID: "a"}))
	require.NotNil(t, s.State().Selected)
	assert.Equal(t, 1, scene.OpenPopups())

	require.NoError(t, s.SetMode(model.ModeCollecting))
	assert.Empty(t, scene.Layers())
	assert.Empty(t, scene.Sources())
	assert.Equal(t, 0, scene.OpenPopups())
	assert.Equal(t, 0, scene.HandlerCount())
	assert.Nil(t, s.State().Selected)
	assert.False(t, s.HandleMapEvent(surface.Event{Type: surface.EventClick, LayerID: projector.LayerID, FeatureID: "a"}))

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, func() bool { return loaded(s)() && len(scene.Layers()) == 1 }, waitFor, tick)
	assert.Equal(t, 2, src.listCount(), "browsing again refetches")
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{gate: gate, reports: []model.Report{rep("a", 1, 1, 0, model.CategoryPhysical)}}
	s, scene := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, func() bool { return src.listCount() == 1 }, waitFor, tick)
	require.NoError(t, s.SetMode(model.ModeCollecting))

	close(gate)
	// Give the stale result time to arrive.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, scene.Layers())
	assert.Equal(t, 0, s.State().Total)
}

func TestPushesMergeWithoutDuplicates(t *testing.T) {
	broker := feed.NewBroker()
	defer broker.Close()
	src := &fakeSource{broker: broker, reports: []model.Report{rep("a", 1, 1, time.Hour, model.CategoryPhysical)}}
	s, scene := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, loaded(s), waitFor, tick)

	broker.Publish(rep("a", 1, 1, time.Hour, model.CategoryPhysical))
	broker.Publish(rep("b", 1, 1, 0, model.CategoryEmotional))

	require.Eventually(t, func() bool { return s.State().Total == 2 }, waitFor, tick)
	fc, ok := scene.Source(projector.SourceID)
	require.True(t, ok)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "b", fc.Features[0].ID, "newest first")
	assert.Equal(t, []string{projector.LayerID}, scene.Layers())
}

func TestPushDuringFetchIsKept(t *testing.T) {
	broker := feed.NewBroker()
	defer broker.Close()
	gate := make(chan struct{})
	src := &fakeSource{broker: broker, gate: gate, reports: []model.Report{rep("a", 1, 1, time.Hour, model.CategoryPhysical)}}
	s, _ := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, waitFor, tick)
	broker.Publish(rep("b", 2, 2, 0, model.CategoryEmotional))
	require.Eventually(t, func() bool { return s.State().Total == 1 }, waitFor, tick)

	close(gate)
	require.Eventually(t, func() bool {
		st := s.State()
		return !st.Loading && st.Total == 2 && st.Mappable == 2
	}, waitFor, tick)
}

func TestLeavingBrowsingCancelsSubscription(t *testing.T) {
	broker := feed.NewBroker()
	defer broker.Close()
	src := &fakeSource{broker: broker}
	s, _ := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	assert.Equal(t, 1, broker.Subscribers())
	require.NoError(t, s.SetMode(model.ModeCollecting))
	assert.Equal(t, 0, broker.Subscribers())
}

func TestFetchFailureAndRetry(t *testing.T) {
	src := &fakeSource{err: errors.New("backend down")}
	s, scene := newSession(t, src)

	assert.ErrorIs(t, s.Retry(), ErrWrongMode)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, func() bool { return s.State().Error == MsgLoadFailed }, waitFor, tick)
	assert.False(t, s.State().Loading)
	assert.Empty(t, scene.Layers())

	src.set(func(f *fakeSource) {
		f.err = nil
		f.reports = []model.Report{rep("a", 1, 1, 0, model.CategoryPhysical)}
	})
	require.NoError(t, s.Retry())
	require.Eventually(t, loaded(s), waitFor, tick)
	assert.Equal(t, 1, s.State().Mappable)
}

func TestSelect(t *testing.T) {
	src := &fakeSource{reports: []model.Report{rep("a", 1, 1, 0, model.CategoryPhysical, model.CategoryEmotional)}}
	s, scene := newSession(t, src)

	assert.ErrorIs(t, s.Select("a"), ErrWrongMode)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, loaded(s), waitFor, tick)

	assert.ErrorIs(t, s.Select("missing"), ErrUnknownReport)

	require.NoError(t, s.Select("a"))
	d := s.State().Selected
	require.NotNil(t, d)
	assert.Equal(t, model.ClassBoth, d.Classification)
	assert.Equal(t, projector.ColorBoth, d.Color)
	assert.Equal(t, "June 1, 2025 at 02:30 PM", d.Submitted)
	assert.NotEmpty(t, d.Ago)
	assert.Equal(t, 1, scene.OpenPopups())

	require.NoError(t, s.Select("a"))
	assert.Equal(t, 1, scene.OpenPopups(), "reselecting replaces the popup")

	require.NoError(t, s.Select(""))
	assert.Nil(t, s.State().Selected)
	assert.Equal(t, 0, scene.OpenPopups())
}

func TestHoverTogglesCursor(t *testing.T) {
	src := &fakeSource{reports: []model.Report{rep("a", 1, 1, 0, model.CategoryPhysical)}}
	s, scene := newSession(t, src)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, loaded(s), waitFor, tick)

	s.HandleMapEvent(surface.Event{Type: surface.EventMouseEnter, LayerID: projector.LayerID})
	assert.Equal(t, "pointer", scene.Cursor())
	s.HandleMapEvent(surface.Event{Type: surface.EventMouseLeave, LayerID: projector.LayerID})
	assert.Equal(t, "", scene.Cursor())
}

func TestLocate(t *testing.T) {
	src := &fakeSource{}
	s, _ := newSession(t, src)

	here := model.Point{Lng: 106.8, Lat: -6.2}
	require.NoError(t, s.Locate(here, nil))
	st := s.State()
	require.NotNil(t, st.Pin)
	assert.Equal(t, here, *st.Pin)
	assert.Empty(t, st.Message)
	assert.True(t, st.CanSubmit)

	require.NoError(t, s.Locate(model.Point{}, errors.New("permission denied")))
	st = s.State()
	assert.Equal(t, defaultCenter, *st.Pin)
	assert.Equal(t, MsgLocateFailed, st.Message)

	require.NoError(t, s.Locate(model.Point{}, ErrLocationUnsupported))
	assert.Equal(t, MsgLocateNoDevice, s.State().Message)
}

func TestSubmit(t *testing.T) {
	src := &fakeSource{}
	s, _ := newSession(t, src)
	ctx := context.Background()
	form := Form{Category: []string{model.CategoryPhysical}, Description: "Broken curb"}

	_, err := s.Submit(ctx, form)
	assert.ErrorIs(t, err, ErrNoPin)
	assert.False(t, s.State().CanSubmit)

	require.NoError(t, s.MovePin(model.Point{Lng: 3, Lat: 4}))
	r, err := s.Submit(ctx, form)
	require.NoError(t, err)
	assert.Equal(t, "new", r.ID)

	st := s.State()
	assert.Equal(t, MsgSubmitted, st.Message)
	assert.Empty(t, st.Draft.Description)
	assert.Equal(t, form.Category, st.Draft.Category)
	require.Len(t, src.inserted, 1)
	assert.Equal(t, 3.0, *src.inserted[0].Lng)
	assert.Equal(t, 4.0, *src.inserted[0].Lat)

	src.set(func(f *fakeSource) { f.insertErr = errors.New("rejected") })
	_, err = s.Submit(ctx, form)
	require.Error(t, err)
	st = s.State()
	assert.Equal(t, MsgSubmitFailed, st.Message)
	assert.Equal(t, "Broken curb", st.Draft.Description, "failed submissions keep the description")
}

func TestPinOnlyWhileCollecting(t *testing.T) {
	s, _ := newSession(t, &fakeSource{})
	require.NoError(t, s.SetMode(model.ModeBrowsing))
	assert.ErrorIs(t, s.MovePin(model.Point{Lng: 1, Lat: 1}), ErrWrongMode)
	_, err := s.Submit(context.Background(), Form{})
	assert.ErrorIs(t, err, ErrWrongMode)
}

func TestCloseReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := feed.NewBroker()
	defer broker.Close()
	gate := make(chan struct{})
	src := &fakeSource{broker: broker, gate: gate}
	scene, err := surface.NewScene(surface.Options{}, nil)
	require.NoError(t, err)
	s := New(context.Background(), src, scene, Options{}, nil)

	require.NoError(t, s.SetMode(model.ModeBrowsing))
	require.Eventually(t, func() bool { return src.listCount() == 1 }, waitFor, tick)

	s.Close()
	s.Close()
	assert.Equal(t, 0, broker.Subscribers())
	assert.Empty(t, scene.Layers())
	assert.ErrorIs(t, s.SetMode(model.ModeCollecting), ErrClosed)
	assert.ErrorIs(t, s.Retry(), ErrClosed)
}

func TestMerge(t *testing.T) {
	older := rep("a", 1, 1, time.Hour)
	newer := rep("b", 1, 1, 0)
	stale := older
	stale.Description = "stale copy"

	got := merge([]model.Report{older}, []model.Report{stale, newer})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Empty(t, got[1].Description, "first occurrence wins")

	assert.Empty(t, merge())
}
