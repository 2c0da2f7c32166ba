// Package export writes a product's price history as CSV or JSON lines.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-tracker/models"
)

// Writer is an export sink.
type Writer interface {
	Write(history []models.PriceObservation) error
	Close() error
	Validate() error
}

// HistorySource is satisfied by *storage.Store.
type HistorySource interface {
	GetHistory(ctx context.Context, productID string, sinceDays int) ([]models.PriceObservation, error)
}

// History writes the product's history from the last sinceDays days to w and
// returns how many observations were written.
func History(ctx context.Context, src HistorySource, productID string, sinceDays int, w Writer) (int, error) {
	history, err := src.GetHistory(ctx, productID, sinceDays)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	if err := w.Write(history); err != nil {
		return 0, err
	}
	return len(history), nil
}

// CSVWriter writes observations to CSV.
type CSVWriter struct {
	out    io.Writer
	writer *csv.Writer
	rows   int
	mu     sync.Mutex
}

var csvHeader = []string{"product_id", "price", "available", "observed_at", "source"}

// NewCSVWriter writes the header row to out.
func NewCSVWriter(out io.Writer) (*CSVWriter, error) {
	writer := csv.NewWriter(out)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv header: %w", err)
	}
	return &CSVWriter{out: out, writer: writer}, nil
}

// Write appends observations to the CSV output.
func (cw *CSVWriter) Write(history []models.PriceObservation) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, obs := range history {
		record := []string{
			obs.ProductID,
			obs.Price.String(),
			strconv.FormatBool(obs.Available),
			obs.ObservedAt.UTC().Format(time.RFC3339),
			string(obs.Source),
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
		cw.rows++
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes out when it is a closer.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return closeOut(cw.out)
}

// Validate reports an error when no rows were written besides the header.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.rows == 0 {
		return fmt.Errorf("csv export is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	out     io.Writer
	writer  *bufio.Writer
	encoder *json.Encoder
	rows    int
	mu      sync.Mutex
}

// NewJSONWriter wraps out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	buffer := bufio.NewWriter(out)
	return &JSONWriter{
		out:     out,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}
}

// Write appends observations in JSONL format.
func (jw *JSONWriter) Write(history []models.PriceObservation) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, obs := range history {
		if err := jw.encoder.Encode(obs); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
		jw.rows++
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes out when it is a closer.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return closeOut(jw.out)
}

// Validate reports an error when nothing was written.
func (jw *JSONWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.rows == 0 {
		return fmt.Errorf("json export is empty")
	}
	return nil
}

// NewWriter builds a writer for format ("csv", "json" or "dual"). An empty
// path writes to stdout; "dual" needs a path and writes path.csv and path.jsonl.
func NewWriter(format, path string) (Writer, error) {
	format = strings.ToLower(format)
	switch format {
	case "csv", "json", "jsonl", "dual":
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if format == "dual" {
		if path == "" {
			return nil, fmt.Errorf("dual export needs an output path")
		}
		base := strings.TrimSuffix(path, filepath.Ext(path))
		return NewDualWriter(base+".csv", base+".jsonl")
	}

	out, err := openOutput(path)
	if err != nil {
		return nil, err
	}
	if format == "csv" {
		w, err := NewCSVWriter(out)
		if err != nil {
			closeOut(out)
			return nil, err
		}
		return w, nil
	}
	return NewJSONWriter(out), nil
}

func openOutput(path string) (io.Writer, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	return f, nil
}

// nopCloser keeps Close from closing stdout.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func closeOut(out io.Writer) error {
	if c, ok := out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}
