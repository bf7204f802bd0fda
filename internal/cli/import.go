package cli

import (
	"github.com/spf13/cobra"

	"github.com/example/dojang/internal/excel"
)

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.xlsx|file.csv>",
		Short: "Import catalog items from a spreadsheet",
		Long: "Import catalog items from an Excel or CSV file. Columns are id, term, translation, " +
			"romanized, category, belt and kind; an empty id is derived from the romanized term.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := excel.DefaultImportConfig()
			cfg.FilePath = args[0]
			cfg.SheetName, _ = cmd.Flags().GetString("sheet")
			cfg.StartRow, _ = cmd.Flags().GetInt("start-row")
			cfg.DefaultBelt, _ = cmd.Flags().GetInt("default-belt")

			result, err := excel.ImportItems(cmd.Context(), cfg, a.store.Items)
			if err != nil {
				return err
			}
			a.log.Info("items imported", "file", cfg.FilePath, "created", result.Created,
				"updated", result.Updated, "skipped", result.Skipped)
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().String("sheet", "Sheet1", "Sheet to read from Excel files")
	cmd.Flags().Int("start-row", 2, "First data row (1-based)")
	cmd.Flags().Int("default-belt", 1, "Belt for rows without one")
	return cmd
}
