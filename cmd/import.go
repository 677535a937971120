package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	trainsai "github.com/kennyphilp/trainsai"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import schedule, station, connection or correction files",
	Args:  cobra.NoArgs,
	Run:   runImport,
}

var (
	importDir      string
	importFile     string
	importForce    bool
	importStatus   bool
	importValidate bool
)

func init() {
	importCmd.Flags().StringVarP(&importDir, "dir", "d", "", "import every recognizable file in a directory")
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "import a single file")
	importCmd.Flags().BoolVarP(&importForce, "force", "", false, "re-import even if the file was imported before")
	importCmd.Flags().BoolVarP(&importStatus, "status", "", false, "show import history and exit")
	importCmd.Flags().BoolVarP(&importValidate, "validate", "", false, "parse without writing, reporting malformed records")
}

func runImport(cmd *cobra.Command, args []string) {
	log := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Error("configuration error")
		os.Exit(exitConfig)
	}

	if importValidate {
		if importFile == "" {
			log.Error("--validate requires --file")
			os.Exit(exitConfig)
		}
	} else if !importStatus && importDir == "" && importFile == "" {
		log.Error("one of --dir, --file or --status is required")
		os.Exit(exitConfig)
	}

	store, err := openStorage(cfg)
	if err != nil {
		log.WithError(err).Error("opening schedule store")
		os.Exit(exitStore)
	}
	defer store.Close()

	importer := trainsai.NewImporter(store, log)

	switch {
	case importStatus:
		records, err := store.ImportHistory()
		if err != nil {
			log.WithError(err).Error("reading import history")
			os.Exit(exitStore)
		}
		if len(records) == 0 {
			fmt.Println("no imports recorded")
			return
		}
		for _, r := range records {
			status := "ok"
			if !r.Success {
				status = "FAILED"
			}
			fmt.Printf("%s  %-12s %-6s %7d/%d records  %s\n",
				r.FinishedAt.Format("2006-01-02 15:04:05"),
				r.FileType, status, r.RecordsImported, r.RecordCount, r.FilePath)
			if r.Errors != "" {
				fmt.Printf("    %s\n", r.Errors)
			}
		}

	case importValidate:
		report, err := importer.ValidateFile(importFile)
		if err != nil {
			log.WithError(err).Error("validation failed")
			os.Exit(exitRuntime)
		}
		fmt.Printf("%d records, %d importable, %d errors\n",
			report.RecordCount, report.Imported, len(report.Errors))
		for _, e := range report.Errors {
			fmt.Printf("  %s\n", e)
		}
		if len(report.Errors) > 0 {
			os.Exit(exitRuntime)
		}

	case importFile != "":
		if _, err := importer.ImportFile(importFile, importForce); err != nil {
			os.Exit(exitRuntime)
		}

	case importDir != "":
		records, err := importer.ImportDir(importDir, importForce)
		if err != nil {
			log.WithError(err).Error("import failed")
			os.Exit(exitRuntime)
		}
		failed := 0
		for _, r := range records {
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			log.WithField("failed", failed).Error("some files failed to import")
			os.Exit(exitRuntime)
		}
	}
}
