package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
)

// ExportFilename is the name offered for CSV downloads.
const ExportFilename = "filtered_covid_data.csv"

// WriteCSV writes the header followed by every row's raw cells. There is no index column.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range t.Rows {
		if err := cw.Write(row.Fields); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ExportCSV serializes t to CSV text. An empty table produces the header line only.
func ExportCSV(t Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
