package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/reports"
)

var (
	submitCategories    []string
	submitSubcategories []string
	submitDescription   string
	submitLng           float64
	submitLat           float64
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a report from the command line",
	Example: `  jalan-map submit --category "physical environment" --subcategory walkability \
    --lng 106.8456 --lat -6.2088 --description "Sidewalk blocked by street vendors"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("lng") || !cmd.Flags().Changed("lat") {
			return fmt.Errorf("both --lng and --lat are required")
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		// Running sessions poll on their next fetch; no broker is attached here.
		svc := reports.NewService(s, nil, nil)
		r, err := svc.Insert(cmd.Context(), model.NewReport{
			Category:    submitCategories,
			Subcategory: submitSubcategories,
			Description: submitDescription,
			Lng:         model.Float(submitLng),
			Lat:         model.Float(submitLat),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Submitted report %s at (%g, %g)\n", r.ID, *r.Lng, *r.Lat)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringSliceVar(&submitCategories, "category", nil, "Category tag (repeatable)")
	submitCmd.Flags().StringSliceVar(&submitSubcategories, "subcategory", nil, "Subcategory tag (repeatable)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "Free-text description")
	submitCmd.Flags().Float64Var(&submitLng, "lng", 0, "Longitude")
	submitCmd.Flags().Float64Var(&submitLat, "lat", 0, "Latitude")
	rootCmd.AddCommand(submitCmd)
}
