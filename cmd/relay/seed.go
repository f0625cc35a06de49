package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unclebandit/smsleopard-relay/internal/config"
)

//go:embed seed/*.sql
var seedFS embed.FS

func seedCommand(app *relayApp) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file.sql ...]",
		Short: "Create the outbox table and procedures, or run the given SQL files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cnf, err := app.loadConfiguration()
			if err != nil {
				return err
			}
			repo, err := app.openOutbox(cnf)
			if err != nil {
				return err
			}
			defer repo.Close()

			files, err := seedFiles(cnf.Kind, args)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), repo.DB, files, cmd.OutOrStdout())
		},
	}
}

type seedFile struct {
	name    string
	content string
}

// seedFiles returns the given files, or the bundled schema for kind.
func seedFiles(kind config.DatabaseKind, paths []string) ([]seedFile, error) {
	if len(paths) == 0 {
		name := "seed/" + strings.ToLower(string(kind)) + ".sql"
		b, err := seedFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("no bundled schema for %s", kind)
		}
		return []seedFile{{name: name, content: string(b)}}, nil
	}

	files := make([]seedFile, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		files = append(files, seedFile{name: p, content: string(b)})
	}
	return files, nil
}

func runSeed(ctx context.Context, db *sql.DB, files []seedFile, out io.Writer) error {
	for _, f := range files {
		for i, stmt := range splitBatches(f.content) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute %s (batch %d): %w", f.name, i+1, err)
			}
		}
		fmt.Fprintf(out, "Seeded: %s\n", f.name)
	}
	fmt.Fprintln(out, "Database seeding completed successfully!")
	return nil
}

// splitBatches cuts a script on lines holding only GO (SQL Server) or /
// (Oracle). Postgres scripts have neither and run as one batch. Lines have
// no length limit.
func splitBatches(script string) []string {
	var (
		batches []string
		cur     strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			batches = append(batches, s)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		switch strings.TrimSpace(line) {
		case "GO", "go", "/":
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return batches
}
