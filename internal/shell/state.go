package shell

import (
	"github.com/dustin/go-humanize"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/projector"
)

// SubmittedLayout formats the submission time in the detail panel.
const SubmittedLayout = "January 2, 2006 at 03:04 PM"

// State is what the client needs to draw everything outside the map.
type State struct {
	Mode       model.Mode   `json:"mode"`
	Total      int          `json:"total"`
	Mappable   int          `json:"mappable"`
	Selected   *Detail      `json:"selected,omitempty"`
	Error      string       `json:"error,omitempty"`
	Message    string       `json:"message,omitempty"`
	Pin        *model.Point `json:"pin,omitempty"`
	Draft      Form         `json:"draft"`
	Loading    bool         `json:"loading"`
	Submitting bool         `json:"submitting"`
	CanSubmit  bool         `json:"can_submit"`
}

// Detail is the selected report as shown in the detail panel.
type Detail struct {
	ID             string               `json:"id"`
	Category       []string             `json:"category"`
	Subcategory    []string             `json:"subcategory"`
	Description    string               `json:"description,omitempty"`
	Classification model.Classification `json:"classification"`
	Color          string               `json:"color"`
	Submitted      string               `json:"submitted"`
	Ago            string               `json:"ago"`
}

func (s *Session) stateLocked() State {
	st := State{
		Mode:       s.mode,
		Total:      len(s.reports),
		Mappable:   s.mappable,
		Error:      s.err,
		Message:    s.message,
		Draft:      s.draft,
		Loading:    s.loading,
		Submitting: s.submitting,
		CanSubmit:  s.mode == model.ModeCollecting && s.pin != nil && !s.submitting,
	}
	if s.pin != nil {
		pin := *s.pin
		st.Pin = &pin
	}
	if s.selected != nil {
		st.Selected = s.detail(*s.selected)
	}
	return st
}

func (s *Session) detail(r model.Report) *Detail {
	class := s.proj.Classify(r)
	d := &Detail{
		ID:             r.ID,
		Category:       r.Category,
		Subcategory:    r.Subcategory,
		Description:    r.Description,
		Classification: class,
		Color:          projector.Color(class),
	}
	if !r.CreatedAt.IsZero() {
		d.Submitted = r.CreatedAt.In(s.opts.Location).Format(SubmittedLayout)
		d.Ago = humanize.Time(r.CreatedAt)
	}
	return d
}
