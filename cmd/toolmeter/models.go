package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yaotools/toolmeter/internal/catalog"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the AI model catalog",
}

var modelsImportCmd = &cobra.Command{
	Use:   "import <models.yaml>",
	Short: "Upsert models from a YAML catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsImport,
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog models",
	RunE:  runModelsList,
}

func init() {
	modelsCmd.AddCommand(modelsImportCmd, modelsListCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsImport(cmd *cobra.Command, args []string) error {
	models, err := catalog.LoadModels(args[0])
	if err != nil {
		return err
	}
	_, st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := catalog.SeedModels(cmd.Context(), st.Identity, models); err != nil {
		return err
	}
	fmt.Printf("imported %d model(s)\n", len(models))
	return nil
}

func runModelsList(cmd *cobra.Command, _ []string) error {
	_, st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	models, err := st.Identity.ListModels(cmd.Context(), false)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Println("no models")
		return nil
	}
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		rows = append(rows, []string{
			m.ID,
			m.ModelName,
			orDash(m.APIURL),
			strconv.FormatBool(m.IsActive),
			strconv.FormatBool(m.IsDefault),
		})
	}
	fmt.Println(renderTable([]string{"ID", "Model", "Endpoint", "Active", "Default"}, rows))
	return nil
}
