package projector

import (
	"math"

	"github.com/intelligrit/jalan-map/internal/model"
)

const (
	// clusterOffset is the ring radius in degrees, roughly 10m at mid latitudes.
	clusterOffset = 0.0001
	// ringSlots is how many positions the offset ring has. The ninth report
	// at one coordinate lands on the same spot as the first offset one.
	ringSlots = 8
)

type coordKey struct {
	lng, lat float64
}

// Decluster assigns a placement to every mappable report, in list order.
// The first report at a coordinate keeps it; later ones are pushed onto a
// small ring around it. Coordinates are compared exactly.
func Decluster(reports []model.Report) []model.Placement {
	seen := make(map[coordKey]int)
	placements := make([]model.Placement, 0, len(reports))

	for _, r := range reports {
		if !r.Mappable() {
			continue
		}
		lng, lat := *r.Lng, *r.Lat
		key := coordKey{lng, lat}
		n := seen[key]
		seen[key] = n + 1

		p := model.Placement{ReportID: r.ID, Lng: lng, Lat: lat}
		if n > 0 {
			angle := float64(n) * 2 * math.Pi / ringSlots
			p.Lng = lng + clusterOffset*math.Cos(angle)
			p.Lat = lat + clusterOffset*math.Sin(angle)
			p.Offset = true
		}
		placements = append(placements, p)
	}

	return placements
}

// Mappable returns the reports that can be drawn, preserving order.
func Mappable(reports []model.Report) []model.Report {
	var out []model.Report
	for _, r := range reports {
		if r.Mappable() {
			out = append(out, r)
		}
	}
	return out
}
