// Package dataset loads price history from local files for sweeps and
// backfills. Live deployments replace it with a venue-backed source; the
// pipeline only sees the DataSource interface either way.
package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/similarity"
)

// CSVSource reads one close series per symbol from <dir>/<SYMBOL>.csv.
// Files carry a header row with at least a date and a close column in any
// order; extra columns are ignored. Rows must be oldest first.
type CSVSource struct {
	dir         string
	dateFormats []string
}

// NewCSVSource creates a file-backed price source rooted at dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{
		dir: dir,
		dateFormats: []string{
			"2006-01-02",
			time.RFC3339,
			"2006-01-02 15:04:05",
		},
	}
}

// Series loads and validates the full close series for a symbol.
func (s *CSVSource) Series(ctx context.Context, symbol string) (*similarity.PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, symbol+".csv")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open series file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := mapColumns(header)
	dateIdx, hasDate := columns["date"]
	closeIdx, hasClose := columns["close"]
	if !hasClose {
		return nil, fmt.Errorf("%s is missing a close column", path)
	}

	var (
		closes  []float64
		dates   []time.Time
		skipped int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}

		if closeIdx >= len(record) {
			skipped++
			continue
		}
		closePrice, err := strconv.ParseFloat(record[closeIdx], 64)
		if err != nil {
			skipped++
			continue
		}

		var date time.Time
		if hasDate {
			if dateIdx >= len(record) {
				skipped++
				continue
			}
			date, err = s.parseDate(record[dateIdx])
			if err != nil {
				skipped++
				continue
			}
		}

		closes = append(closes, closePrice)
		if hasDate {
			dates = append(dates, date)
		}
	}

	if skipped > 0 {
		log.Warn().
			Str("symbol", symbol).
			Str("path", path).
			Int("skipped_rows", skipped).
			Msg("Series file has unparseable rows")
	}

	series, err := similarity.NewPriceSeries(closes, dates)
	if err != nil {
		return nil, fmt.Errorf("%s holds an invalid series: %w", path, err)
	}
	return series, nil
}

// Symbols lists every symbol with a series file under the source dir.
func (s *CSVSource) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list series dir: %w", err)
	}

	var symbols []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ".csv"))
	}
	return symbols, nil
}

func (s *CSVSource) parseDate(raw string) (time.Time, error) {
	for _, format := range s.dateFormats {
		if t, err := time.Parse(format, raw); err == nil {
			return t, nil
		}
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable date: %s", raw)
}

// mapColumns maps normalized header names to their indices.
func mapColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, column := range header {
		columns[normalizeColumnName(column)] = i
	}
	return columns
}

func normalizeColumnName(column string) string {
	switch strings.ToLower(strings.TrimSpace(column)) {
	case "date", "ts", "time", "timestamp", "datetime":
		return "date"
	case "close", "c", "adj_close", "adjusted_close", "closing_price", "price":
		return "close"
	default:
		return strings.ToLower(strings.TrimSpace(column))
	}
}
