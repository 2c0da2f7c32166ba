package export

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aluiziolira/go-price-tracker/models"
)

// DualWriter writes the same history to a CSV file and a JSONL file.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// NewDualWriter creates both output files.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvOut, err := openOutput(csvFilename)
	if err != nil {
		return nil, err
	}
	csvWriter, err := NewCSVWriter(csvOut)
	if err != nil {
		closeOut(csvOut)
		return nil, fmt.Errorf("create csv writer: %w", err)
	}

	jsonOut, err := openOutput(jsonFilename)
	if err != nil {
		csvWriter.Close()
		os.Remove(csvFilename)
		return nil, fmt.Errorf("create json writer: %w", err)
	}

	return &DualWriter{
		csvWriter:  csvWriter,
		jsonWriter: NewJSONWriter(jsonOut),
	}, nil
}

// Write writes history to both outputs.
func (dw *DualWriter) Write(history []models.PriceObservation) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.Write(history); err != nil {
		return fmt.Errorf("csv write failed: %w", err)
	}
	if err := dw.jsonWriter.Write(history); err != nil {
		return fmt.Errorf("json write failed: %w", err)
	}
	return nil
}

// Close closes both writers.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("csv close failed: %w", err))
	}
	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("json close failed: %w", err))
	}
	return errors.Join(errs...)
}

// Validate validates both outputs.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
