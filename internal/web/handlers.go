package web

import (
	"errors"
	"net/http"
	"slices"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/projector"
	"github.com/intelligrit/jalan-map/internal/reports"
)

func (s *Server) handleListReports(c *gin.Context) {
	list, err := s.Reports.List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (s *Server) handleInsertReport(c *gin.Context) {
	var nr model.NewReport
	if err := c.ShouldBindJSON(&nr); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	r, err := s.Reports.Insert(c.Request.Context(), nr)
	if errors.Is(err, reports.ErrInvalidReport) {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (s *Server) handleGeoJSON(c *gin.Context) {
	list, err := s.Reports.List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	fc, _ := s.proj.FeatureCollection(list)
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/geo+json", data)
}

func (s *Server) handleIcon(c *gin.Context) {
	class := model.Classification(c.Param("class"))
	if !slices.Contains(model.Classifications, class) {
		writeError(c, http.StatusNotFound, errors.New("unknown classification"))
		return
	}
	png, err := projector.Icon(class)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessionCount(),
	})
}

type legendEntry struct {
	Class model.Classification
	Label string
	Color string
}

var legendLabels = map[model.Classification]string{
	model.ClassPhysical:  "Physical environment",
	model.ClassEmotional: "Emotional perception",
	model.ClassBoth:      "Both",
	model.ClassOther:     "Uncategorized",
}

func (s *Server) handleIndex(c *gin.Context) {
	var legend []legendEntry
	for _, class := range model.Classifications {
		legend = append(legend, legendEntry{Class: class, Label: legendLabels[class], Color: projector.Color(class)})
	}
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Legend":        legend,
		"Categories":    model.Categories,
		"Subcategories": model.Subcategories,
	})
}

func writeJSON(c *gin.Context, status int, v any) {
	if list, ok := v.([]model.Report); ok && list == nil {
		v = []model.Report{}
	}
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
