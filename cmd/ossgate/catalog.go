package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/serialization"
)

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Export or import the catalog database",
	}
	cmd.AddCommand(newExportCmd(opts), newImportCmd(opts))
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		output         string
		tables         string
		includeSecrets bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the catalog as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			exportOpts := &serialization.ExportOptions{IncludeSecrets: includeSecrets}
			if tables != "" {
				for t := range strings.SplitSeq(tables, ",") {
					exportOpts.Tables = append(exportOpts.Tables, strings.TrimSpace(t))
				}
			}

			store, err := opts.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := serialization.Export(cmd.Context(), store.DB(), exportOpts)
			if err != nil {
				return fmt.Errorf("exporting: %w", err)
			}
			doc = append(doc, '\n')
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(doc)
				return err
			}
			return os.WriteFile(output, doc, 0o600)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	f.StringVar(&tables, "tables", "", "comma-separated tables to export (default all)")
	f.BoolVar(&includeSecrets, "include-secrets", false, "keep access key secrets in the export")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var (
		input   string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON export into the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				doc []byte
				err error
			)
			if input == "-" {
				doc, err = io.ReadAll(cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(input)
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			store, err := opts.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := serialization.Import(cmd.Context(), store.DB(), doc, &serialization.ImportOptions{Replace: replace})
			if err != nil {
				return fmt.Errorf("importing: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, table := range serialization.AllTables {
				if n, ok := res.Counts[table]; ok {
					fmt.Fprintf(out, "%-14s imported %d, skipped %d\n", table, n, res.Skipped[table])
				}
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "-", "input file, - for stdin")
	f.BoolVar(&replace, "replace", false, "empty the imported tables first")
	return cmd
}

func (o *rootOptions) openCatalog() (*catalog.SQLiteStore, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := catalog.NewSQLiteStore(cfg.Catalog.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	return store, nil
}
