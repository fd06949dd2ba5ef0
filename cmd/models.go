package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/recall/internal/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the available face model profiles",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tSTRATEGY\tDIM\tMIN DET\tTHRESHOLD\tDESCRIPTION")
	fmt.Fprintln(w, "\t----\t--------\t---\t-------\t---------\t-----------")
	for _, name := range cfg.Models.Names() {
		p := cfg.Models.Models[name]
		active := ""
		if name == cfg.Face.Model {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%s\n",
			active, name, p.Strategy, p.Dim, p.MinDetScore, p.SimilarityThreshold, p.Description)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if resolved, err := cfg.Profile(); err == nil {
		fmt.Printf("\nActive: %s (threshold %.2f, min det score %.2f)\n",
			resolved.Name, resolved.SimilarityThreshold, resolved.MinDetScore)
	} else {
		fmt.Printf("\nActive model is invalid: %v\n", err)
	}
	return nil
}
