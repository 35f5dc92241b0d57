package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	geojson "github.com/paulmach/go.geojson"
	"github.com/spf13/cobra"

	"github.com/intelligrit/jalan-map/internal/projector"
)

var exportOutput string

type exportViewport struct {
	Kind    string  `json:"kind"`
	Center  any     `json:"center,omitempty"`
	Zoom    float64 `json:"zoom,omitempty"`
	Bounds  any     `json:"bounds,omitempty"`
	Padding int     `json:"padding,omitempty"`
	MaxZoom float64 `json:"max_zoom,omitempty"`
}

type exportDocument struct {
	Reports  *geojson.FeatureCollection `json:"reports"`
	Total    int                        `json:"total"`
	Mappable int                        `json:"mappable"`
	Viewport exportViewport             `json:"viewport"`
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the projected markers and viewport as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := matcher()
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.ListReports(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading reports: %w", err)
		}

		p := projector.New(projector.WithMatcher(m))
		fc, placements := p.FeatureCollection(list)
		vp := projector.ComputeViewport(placements)

		doc := exportDocument{
			Reports:  fc,
			Total:    len(list),
			Mappable: len(placements),
			Viewport: exportViewport{Kind: vp.Kind.String()},
		}
		switch vp.Kind {
		case projector.ViewportCenter:
			doc.Viewport.Center = vp.Center
			doc.Viewport.Zoom = vp.Zoom
		case projector.ViewportFit:
			doc.Viewport.Bounds = vp.Bounds
			doc.Viewport.Padding = vp.Padding
			doc.Viewport.MaxZoom = vp.MaxZoom
		}

		var w io.Writer = os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("creating %s: %w", exportOutput, err)
			}
			defer f.Close()
			w = f
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}

		if w != os.Stdout {
			fmt.Printf("Exported %d markers (%d reports) to %s\n", len(placements), len(list), exportOutput)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
