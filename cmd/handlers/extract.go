package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trialtrends/internal/config"
	"trialtrends/internal/logger"
	"trialtrends/internal/persistence"
)

// NewExtractCmd creates the extract command
func NewExtractCmd() *cobra.Command {
	var (
		dbPath  string
		csvPath string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Build a local SQLite extract of the AACT studies and conditions",
		Long: `Extract creates the studies and conditions tables in a SQLite file and
loads rows from a CSV export. Point database.driver at sqlite and
database.path at the file to run detect and embed offline.

The CSV has three columns: nct_id, start_month_year and the study's
condition names separated by '|'. A header row is skipped.

Examples:
  trialtrends extract --csv studies.csv --db data/aact.db
  trialtrends extract --db data/aact.db`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runExtract(cmd.Context(), cmd.OutOrStdout(), dbPath, csvPath); err != nil {
				fmt.Fprintf(os.Stderr, "❌ %s\n", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite file to create (default database.path)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV export to load; without it only the tables are created")

	return cmd
}

func runExtract(ctx context.Context, w io.Writer, dbPath, csvPath string) error {
	if dbPath == "" {
		dbPath = config.Get().Database.Path
	}
	if dbPath == "" {
		return fmt.Errorf("no extract path (use --db or set database.path)")
	}

	db, err := persistence.Open(ctx, persistence.Config{Driver: "sqlite", Path: dbPath})
	if err != nil {
		return fmt.Errorf("failed to open extract: %w", err)
	}
	defer db.Close()

	if err := db.EnsureLocalSchema(ctx); err != nil {
		return err
	}
	if csvPath == "" {
		fmt.Fprintf(w, "✅ Created local schema in %s\n", dbPath)
		return nil
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()

	studies, err := loadStudies(ctx, db, f)
	if err != nil {
		return err
	}
	logger.Info("Loaded studies", "path", csvPath, "studies", studies)
	fmt.Fprintf(w, "✅ Loaded %d studies into %s\n", studies, dbPath)
	return nil
}

// loadStudies inserts every CSV record and returns the number of studies
func loadStudies(ctx context.Context, db *persistence.DB, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true

	studies := 0
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return studies, nil
		}
		if err != nil {
			return studies, fmt.Errorf("failed to read CSV: %w", err)
		}
		if line == 1 && strings.EqualFold(record[0], "nct_id") {
			continue
		}

		var conditions []string
		for _, name := range strings.Split(record[2], "|") {
			if name = strings.TrimSpace(name); name != "" {
				conditions = append(conditions, name)
			}
		}
		if err := db.InsertStudy(ctx, strings.TrimSpace(record[0]), strings.TrimSpace(record[1]), conditions...); err != nil {
			return studies, fmt.Errorf("line %d: %w", line, err)
		}
		studies++
	}
}
