package cleanup

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"Username", "In_Duo", "Managed_By_Sync", "Action", "Result", "Error"}

// WriteCSV exports outcomes in the column layout operators already use for review.
func WriteCSV(w io.Writer, outcomes []AccountOutcome) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("cleanup: write csv header: %w", err)
	}
	for _, out := range outcomes {
		managed := ""
		if out.InDirectory {
			managed = strconv.FormatBool(out.SyncManaged)
		}
		row := []string{
			out.Username,
			strconv.FormatBool(out.InDirectory),
			managed,
			out.Action,
			string(out.Result),
			out.Error,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("cleanup: write csv row for %q: %w", out.Username, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
