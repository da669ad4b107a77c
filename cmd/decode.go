package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsheet/decoder"
	"github.com/dhcgn/mailsheet/model"
	"github.com/dhcgn/mailsheet/tableview"
)

// NewDecodeCommand returns the "decode" subcommand, which runs the
// attachment decoder on a local file without touching a mailbox.
func NewDecodeCommand() *cobra.Command {
	var (
		limit     int
		exportCSV string
	)

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a local CSV/XLSX/XLS file and print it as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := DecodeFile(args[0])
			if err != nil {
				return err
			}

			out, err := tableview.Render(ds, tableview.Options{Limit: limit, Styled: true})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)

			if exportCSV == "" {
				return nil
			}
			if err := ExportCSV(ds, exportCSV); err != nil {
				return fmt.Errorf("error exporting dataset: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nDataset saved to: %s\n", exportCSV)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows to print (0 prints all)")
	cmd.Flags().StringVarP(&exportCSV, "export-csv", "o", "", "Also write the normalized dataset to this CSV file")
	return cmd
}

// DecodeFile reads path and decodes it as an attachment of the same name.
func DecodeFile(path string) (*model.Dataset, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	name := filepath.Base(path)
	return decoder.Decode(&model.RawAttachment{
		Filename:  name,
		MIMEHint:  mime.TypeByExtension(filepath.Ext(name)),
		Content:   content,
		SizeBytes: int64(len(content)),
	})
}

// ExportCSV writes ds with its header row. Absent cells become empty fields.
func ExportCSV(ds *model.Dataset, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := writeCSV(file, ds); err != nil {
		return err
	}
	return file.Close()
}

func writeCSV(w io.Writer, ds *model.Dataset) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ds.Columns); err != nil {
		return err
	}

	record := make([]string, len(ds.Columns))
	for _, row := range ds.Rows {
		for i, col := range ds.Columns {
			record[i] = row[col].Text()
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
