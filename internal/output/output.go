// Package output renders job API responses for the terminal.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"go-timer/internal/api"
	"go-timer/internal/timeparse"
)

const timeLayout = "2006-01-02 15:04:05 MST"

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func colorResult(result string) string {
	switch result {
	case api.LastResultComplete:
		return pterm.Green(result)
	case api.LastResultFailure:
		return pterm.Red(result)
	}
	return pterm.Gray(result)
}

// ShowJob prints a job as aligned "Key: value" lines. Deleted jobs omit
// their next run and last result.
func ShowJob(w io.Writer, job api.Job, wasDeleted bool) error {
	start := job.Start
	rows := [][2]string{
		{"Name", job.Name},
		{"Job ID", job.JobId},
		{"Status", job.Status},
		{"Start", formatTime(&start)},
		{"Interval", timeparse.FormatInterval(api.Duration(job.Interval))},
	}
	if job.Label != "" {
		rows = append(rows, [2]string{"Label", job.Label})
	}
	if !wasDeleted {
		rows = append(rows,
			[2]string{"Next Run At", formatTime(job.NextRun)},
			[2]string{"Last Run Result", colorResult(job.LastResult)},
		)
	}
	if job.DeletedAt != nil {
		rows = append(rows, [2]string{"Deleted At", formatTime(job.DeletedAt)})
	}

	width := 0
	for _, row := range rows {
		if len(row[0]) > width {
			width = len(row[0])
		}
	}
	var sb strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&sb, "%-*s %s\n", width+1, row[0]+":", row[1])
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func ShowJobList(w io.Writer, list api.JobList) error {
	data := pterm.TableData{{"Name", "Job ID", "Status", "Last Result"}}
	for _, job := range list.Jobs {
		data = append(data, []string{job.Name, job.JobId, job.Status, colorResult(job.LastResult)})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("failed to render job table: %w", err)
	}
	if _, err = fmt.Fprintln(w, table); err != nil {
		return err
	}
	if list.NextPageToken != "" {
		_, err = fmt.Fprintf(w, "\nMore jobs available, next page token: %s\n", list.NextPageToken)
	}
	return err
}

// ShowRaw prints a raw JSON response indented. Bodies that are not JSON
// are printed as they are.
func ShowRaw(w io.Writer, raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}
