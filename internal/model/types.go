package model

import (
	"math"
	"strings"
	"time"
)

// Category tags.
const (
	CategoryPhysical  = "physical environment"
	CategoryEmotional = "emotional perception"
)

// Subcategory tags.
const (
	SubcategorySafety        = "safety"
	SubcategoryAccessibility = "accessibility"
	SubcategoryWalkability   = "walkability"
)

// Categories is the fixed category vocabulary, in display order.
var Categories = []string{CategoryPhysical, CategoryEmotional}

// Subcategories is the fixed subcategory vocabulary, in display order.
var Subcategories = []string{SubcategorySafety, SubcategoryAccessibility, SubcategoryWalkability}

// Report is a user-submitted, geolocated observation.
type Report struct {
	ID          string    `json:"id"`
	Category    []string  `json:"category"`
	Subcategory []string  `json:"subcategory"`
	Description string    `json:"description,omitempty"`
	Lng         *float64  `json:"lng"`
	Lat         *float64  `json:"lat"`
	CreatedAt   time.Time `json:"created_at"`
}

// Mappable reports whether both coordinates are present and finite.
func (r Report) Mappable() bool {
	return finite(r.Lng) && finite(r.Lat)
}

// Point returns the report's raw coordinate. Only meaningful when Mappable.
func (r Report) Point() Point {
	if !r.Mappable() {
		return Point{}
	}
	return Point{Lng: *r.Lng, Lat: *r.Lat}
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// NewReport is the payload for inserting a report.
type NewReport struct {
	Category    []string `json:"category"`
	Subcategory []string `json:"subcategory,omitempty"`
	Description string   `json:"description"`
	Lng         *float64 `json:"lng"`
	Lat         *float64 `json:"lat"`
}

// Classification is the visual category derived from a report's tags.
type Classification string

const (
	ClassPhysical  Classification = "physical"
	ClassEmotional Classification = "emotional"
	ClassBoth      Classification = "both"
	ClassOther     Classification = "other"
)

// Classifications lists every classification in legend order.
var Classifications = []Classification{ClassPhysical, ClassEmotional, ClassBoth, ClassOther}

// Point is a longitude/latitude pair.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Placement is the coordinate actually used to draw a report's marker.
type Placement struct {
	ReportID string  `json:"report_id"`
	Lng      float64 `json:"lng"`
	Lat      float64 `json:"lat"`
	Offset   bool    `json:"offset"`
}

// Mode is the UI mode of a map session.
type Mode string

const (
	ModeCollecting Mode = "collecting"
	ModeBrowsing   Mode = "browsing"
)

// ParseMode accepts the mode names used by the client, including the
// panel names "report" and "visualisation".
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "collecting", "report":
		return ModeCollecting, true
	case "browsing", "visualisation", "visualization":
		return ModeBrowsing, true
	}
	return "", false
}

// Float returns a pointer to v, for building reports with coordinates.
func Float(v float64) *float64 {
	return &v
}
