package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
)

// outputJSON writes v as indented JSON
func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputCSV formats rows as CSV
func outputCSV(w io.Writer, rows []models.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"open_time", "open", "high", "low", "close", "volume", "close_time", "number_of_trades"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write([]string{
			row.OpenAt().Format(time.RFC3339),
			row.Open.String(),
			row.High.String(),
			row.Low.String(),
			row.Close.String(),
			row.Volume.String(),
			row.CloseAt().Format(time.RFC3339Nano),
			strconv.FormatInt(row.NumberOfTrades, 10),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// outputTable formats rows as a table
func outputTable(w io.Writer, rows []models.Row) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No data found for the specified criteria.")
		return err
	}

	fmt.Fprintf(w, "%-20s %-12s %-12s %-12s %-12s %-15s\n",
		"Open Time", "Open", "High", "Low", "Close", "Volume")
	fmt.Fprintln(w, strings.Repeat("-", 88))

	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-20s %-12s %-12s %-12s %-12s %-15s\n",
			row.OpenAt().Format("2006-01-02 15:04"),
			truncateDecimal(row.Open.String(), 12),
			truncateDecimal(row.High.String(), 12),
			truncateDecimal(row.Low.String(), 12),
			truncateDecimal(row.Close.String(), 12),
			truncateDecimal(row.Volume.String(), 15)); err != nil {
			return err
		}
	}
	return nil
}

// truncateDecimal truncates decimal string to specified length
func truncateDecimal(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
