package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/index"
	"go-civitai-manager/internal/catalog"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/organizer"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and manage the downloaded model catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all cataloged models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		printRecords(cat.List())
		return nil
	},
}

var (
	searchTypeFlag      string
	searchBaseModelFlag string
	searchNsfwFlag      bool
	searchFavoriteFlag  bool
	searchQueryFlag     bool
)

var catalogSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the catalog",
	Long: `Search cataloged models. By default the query substring-matches
against name, description and tags; with --query-syntax it is passed to the
full-text index as a bleve query string (e.g. '+baseModel:SDXL anime').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		query := ""
		if len(args) > 0 {
			query = args[0]
		}

		var results []models.ModelRecord
		if searchQueryFlag {
			results, err = cat.Query(query)
			if err != nil {
				return err
			}
		} else {
			filters := catalog.Filters{
				Type:      searchTypeFlag,
				BaseModel: searchBaseModelFlag,
			}
			if cmd.Flags().Changed("nsfw") {
				filters.Nsfw = &searchNsfwFlag
			}
			if cmd.Flags().Changed("favorite") {
				filters.Favorite = &searchFavoriteFlag
			}
			results = cat.Search(query, filters)
		}

		printRecords(results)
		return nil
	},
}

var catalogFavoriteCmd = &cobra.Command{
	Use:   "favorite <model-id>",
	Short: "Toggle a model's favorite flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid model id %q", args[0])
		}

		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		record, ok := cat.Get(id)
		if !ok {
			return fmt.Errorf("model %d not found in catalog", id)
		}

		if err := cat.Apply(id, catalog.SetFavorite(!record.Favorite)); err != nil {
			return err
		}
		log.Infof("Model %d favorite set to %t", id, !record.Favorite)
		return nil
	},
}

var removeFilesFlag bool

var catalogRemoveCmd = &cobra.Command{
	Use:   "remove <model-id>",
	Short: "Remove a model from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid model id %q", args[0])
		}

		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		record, ok := cat.Get(id)
		if !ok {
			return fmt.Errorf("model %d not found in catalog", id)
		}

		if !cat.Remove(id) {
			return fmt.Errorf("failed to remove model %d", id)
		}

		if removeFilesFlag && record.LocalPath != "" {
			org := organizer.New(globalConfig.SavePath)
			if err := org.RemoveModelDir(record.LocalPath); err != nil {
				log.WithError(err).Warnf("Could not delete files at %s", record.LocalPath)
			} else {
				log.Infof("Deleted files at %s", record.LocalPath)
			}
		}

		log.Infof("Removed model %d (%s) from catalog", id, record.Name)
		return nil
	},
}

var catalogScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rebuild catalog entries from metadata snapshots on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		if globalConfig.SavePath == "" {
			return fmt.Errorf("SavePath must be set to scan")
		}

		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		found, err := cat.Scan(globalConfig.SavePath)
		if err != nil {
			return err
		}
		log.Infof("Scan complete: %d records loaded, catalog now holds %d models", found, cat.Len())
		return nil
	},
}

func init() {
	catalogSearchCmd.Flags().StringVar(&searchTypeFlag, "type", "", "Filter by model type (e.g. Checkpoint, LORA)")
	catalogSearchCmd.Flags().StringVar(&searchBaseModelFlag, "base-model", "", "Filter by base model label")
	catalogSearchCmd.Flags().BoolVar(&searchNsfwFlag, "nsfw", false, "Filter by NSFW flag")
	catalogSearchCmd.Flags().BoolVar(&searchFavoriteFlag, "favorite", false, "Filter by favorite flag")
	catalogSearchCmd.Flags().BoolVar(&searchQueryFlag, "query-syntax", false, "Interpret the query as a full-text index query string")

	catalogRemoveCmd.Flags().BoolVar(&removeFilesFlag, "delete-files", false, "Also delete the model's directory on disk")

	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogSearchCmd)
	catalogCmd.AddCommand(catalogFavoriteCmd)
	catalogCmd.AddCommand(catalogRemoveCmd)
	catalogCmd.AddCommand(catalogScanCmd)
	rootCmd.AddCommand(catalogCmd)
}

// openCatalog opens the configured catalog with its search index.
func openCatalog() (*catalog.Catalog, error) {
	if globalConfig.DatabasePath == "" {
		return nil, fmt.Errorf("DatabasePath must be set in the config file")
	}

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("Could not open search index, continuing without full-text search")
		idx = nil
	}

	return catalog.Open(globalConfig.DatabasePath, globalConfig.LegacyCatalogPath, idx)
}

// printRecords renders records as an aligned table.
func printRecords(records []models.ModelRecord) {
	if len(records) == 0 {
		fmt.Println("No models found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tBASE\tSIZE\tRATING\tFAV\tDOWNLOADED")
	for _, r := range records {
		fav := ""
		if r.Favorite {
			fav = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Type, r.BaseModel, helpers.BytesToSize(uint64(r.SizeBytes)), r.Rating, fav, r.DownloadDate)
	}
	w.Flush()
	fmt.Printf("%d model(s)\n", len(records))
}
