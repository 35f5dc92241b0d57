package projector

import (
	"fmt"
	"strings"

	"github.com/intelligrit/jalan-map/internal/model"
)

// Marker colors per classification.
const (
	ColorBoth      = "#9C27B0"
	ColorPhysical  = "#2196F3"
	ColorEmotional = "#4CAF50"
	ColorOther     = "#9E9E9E"
)

// Matcher decides which category semantics a report's tags carry.
type Matcher interface {
	Match(category []string) (physical, emotional bool)
}

// ExactTagMatcher matches tags by membership in the category vocabulary,
// ignoring case and surrounding whitespace.
type ExactTagMatcher struct{}

func (ExactTagMatcher) Match(category []string) (physical, emotional bool) {
	for _, tag := range category {
		switch normalizeTag(tag) {
		case model.CategoryPhysical:
			physical = true
		case model.CategoryEmotional:
			emotional = true
		}
	}
	return physical, emotional
}

// SubstringMatcher is the legacy policy: the joined tag text is searched for
// "physical"/"environment" and "emotional"/"perception". It accepts
// free-form tags such as "Physical" or "environment issues".
type SubstringMatcher struct{}

func (SubstringMatcher) Match(category []string) (physical, emotional bool) {
	joined := strings.ToLower(strings.Join(category, " "))
	physical = strings.Contains(joined, "physical") || strings.Contains(joined, "environment")
	emotional = strings.Contains(joined, "emotional") || strings.Contains(joined, "perception")
	return physical, emotional
}

// MatcherByName resolves a configured policy name.
func MatcherByName(name string) (Matcher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact":
		return ExactTagMatcher{}, nil
	case "substring", "legacy":
		return SubstringMatcher{}, nil
	}
	return nil, fmt.Errorf("unknown classification policy %q", name)
}

// Classify derives a report's classification. Missing or unrecognized
// categories degrade to ClassOther.
func Classify(m Matcher, r model.Report) model.Classification {
	if len(r.Category) == 0 {
		return model.ClassOther
	}
	physical, emotional := m.Match(r.Category)
	switch {
	case physical && emotional:
		return model.ClassBoth
	case physical:
		return model.ClassPhysical
	case emotional:
		return model.ClassEmotional
	}
	return model.ClassOther
}

// Color returns the marker color for a classification.
func Color(c model.Classification) string {
	switch c {
	case model.ClassBoth:
		return ColorBoth
	case model.ClassPhysical:
		return ColorPhysical
	case model.ClassEmotional:
		return ColorEmotional
	}
	return ColorOther
}

func normalizeTag(tag string) string {
	return strings.Join(strings.Fields(strings.ToLower(tag)), " ")
}
