package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/projector"
)

// swatches approximates each marker color in the terminal.
var swatches = map[model.Classification]*color.Color{
	model.ClassPhysical:  color.New(color.FgBlue, color.Bold),
	model.ClassEmotional: color.New(color.FgGreen, color.Bold),
	model.ClassBoth:      color.New(color.FgMagenta, color.Bold),
	model.ClassOther:     color.New(color.FgHiBlack, color.Bold),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show report totals by classification and category",
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

		ctx := cmd.Context()
		total, err := s.CountReports(ctx)
		if err != nil {
			return fmt.Errorf("counting reports: %w", err)
		}
		byCategory, err := s.CountByCategory(ctx)
		if err != nil {
			return err
		}
		bySubcategory, err := s.CountBySubcategory(ctx)
		if err != nil {
			return err
		}
		all, err := s.AllReports(ctx)
		if err != nil {
			return fmt.Errorf("reading reports: %w", err)
		}

		mappable := projector.Mappable(all)
		byClass := make(map[model.Classification]int)
		for _, r := range all {
			byClass[projector.Classify(m, r)]++
		}

		fmt.Printf("Report Status\n")
		fmt.Printf("=============\n")
		fmt.Printf("Reports submitted: %d\n", total)
		fmt.Printf("On the map:        %d / %d\n", len(mappable), total)

		fmt.Printf("\nBy Classification\n")
		fmt.Printf("-----------------\n")
		for _, c := range model.Classifications {
			fmt.Printf("  %s %-10s %-8s %4d\n", swatches[c].Sprint("●"), c, projector.Color(c), byClass[c])
		}

		fmt.Printf("\nBy Category\n")
		fmt.Printf("-----------\n")
		for _, c := range model.Categories {
			fmt.Printf("  %-22s %4d\n", c, byCategory[c])
		}
		for _, c := range model.Subcategories {
			fmt.Printf("  %-22s %4d\n", c, bySubcategory[c])
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
