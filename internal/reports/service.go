// Package reports is the data source the map sessions and the HTTP API talk
// to: listing, validated inserts, and insert notifications.
package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/net/html"

	"github.com/intelligrit/jalan-map/internal/feed"
	"github.com/intelligrit/jalan-map/internal/metrics"
	"github.com/intelligrit/jalan-map/internal/model"
)

// ErrInvalidReport wraps every validation failure on insert.
var ErrInvalidReport = errors.New("invalid report")

// Store is the persistence the service needs.
type Store interface {
	InsertReport(ctx context.Context, r model.Report) error
	ListReports(ctx context.Context) ([]model.Report, error)
}

// Notifier is told about every successfully inserted report.
type Notifier interface {
	Notify(ctx context.Context, r model.Report) error
}

// Service implements the report data source on top of a Store.
type Service struct {
	store    Store
	notifier Notifier
	broker   *feed.Broker
	now      func() time.Time

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewService creates a service. Inserts are announced through notifier;
// subscriptions come from broker. When notifier is nil the broker is
// notified directly.
func NewService(store Store, broker *feed.Broker, notifier Notifier) *Service {
	if notifier == nil && broker != nil {
		notifier = broker
	}
	return &Service{
		store:    store,
		notifier: notifier,
		broker:   broker,
		now:      time.Now,
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// List returns the mappable reports, newest first.
func (s *Service) List(ctx context.Context) ([]model.Report, error) {
	reports, err := s.store.ListReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}

// Insert validates nr, stores it as a new report and announces it.
func (s *Service) Insert(ctx context.Context, nr model.NewReport) (model.Report, error) {
	if err := Validate(nr); err != nil {
		metrics.ReportsRejected.Inc()
		return model.Report{}, err
	}

	now := s.now().UTC()
	r := model.Report{
		ID:          s.newID(now),
		Category:    normalizeTags(nr.Category),
		Subcategory: normalizeTags(nr.Subcategory),
		Description: PlainText(nr.Description),
		Lng:         model.Float(*nr.Lng),
		Lat:         model.Float(*nr.Lat),
		CreatedAt:   now,
	}
	if err := s.store.InsertReport(ctx, r); err != nil {
		return model.Report{}, fmt.Errorf("storing report: %w", err)
	}
	metrics.ReportsInserted.Inc()
	log.WithFields(log.Fields{"report": r.ID, "category": r.Category}).Info("report inserted")

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, r); err != nil {
			// The row is stored; sessions will see it on their next fetch.
			log.WithError(err).WithField("report", r.ID).Warn("announcing insert")
		}
	}
	return r, nil
}

// Subscribe returns a stream of inserted reports. It returns nil when the
// service has no broker.
func (s *Service) Subscribe() *feed.Subscription {
	if s.broker == nil {
		return nil
	}
	return s.broker.Subscribe()
}

func (s *Service) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Validate checks a submission against the tag vocabularies and coordinate
// ranges.
func Validate(nr model.NewReport) error {
	category := normalizeTags(nr.Category)
	if len(category) == 0 {
		return fmt.Errorf("%w: at least one category is required", ErrInvalidReport)
	}
	for _, c := range category {
		if !slices.Contains(model.Categories, c) {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidReport, c)
		}
	}
	for _, c := range normalizeTags(nr.Subcategory) {
		if !slices.Contains(model.Subcategories, c) {
			return fmt.Errorf("%w: unknown subcategory %q", ErrInvalidReport, c)
		}
	}

	if nr.Lng == nil || nr.Lat == nil {
		return fmt.Errorf("%w: a location is required", ErrInvalidReport)
	}
	lng, lat := *nr.Lng, *nr.Lat
	if math.IsNaN(lng) || math.IsNaN(lat) || math.IsInf(lng, 0) || math.IsInf(lat, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidReport)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidReport, lng)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidReport, lat)
	}
	return nil
}

// blockTags end the current paragraph when opened or closed.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "ul": true, "ol": true, "br": true,
	"blockquote": true, "pre": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// PlainText strips markup from a description and collapses its whitespace
// per paragraph. Input that does not tokenize cleanly, like "a<b and c", is
// kept as written.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.ContainsAny(s, "<&") || !tokenizesCleanly(s) {
		return s
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}

	var (
		paragraphs []string
		current    strings.Builder
	)
	flush := func() {
		if text := collapse(current.String()); text != "" {
			paragraphs = append(paragraphs, text)
		}
		current.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			current.WriteString(n.Data)
			return
		case html.CommentNode:
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if blockTags[n.Data] {
				flush()
				defer flush()
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	flush()
	return strings.Join(paragraphs, "\n\n")
}

// tokenizesCleanly reports whether every byte of s lands in a token. A stray
// "<" that opens a tag and never closes it would otherwise eat the rest.
func tokenizesCleanly(s string) bool {
	z := html.NewTokenizer(strings.NewReader(s))
	n := 0
	for {
		if z.Next() == html.ErrorToken {
			return errors.Is(z.Err(), io.EOF) && n == len(s)
		}
		n += len(z.Raw())
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeTags trims tags, lower-cases them and drops empties and repeats,
// keeping the submitted order.
func normalizeTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		t = strings.ToLower(collapse(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
