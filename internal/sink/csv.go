package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

var csvHeader = []string{"serial_number", "user_count", "reference_count", "difference", "classification", "annotation"}

// CSV appends one row per result. The header is written only when the file
// is new or empty, so repeated runs accumulate into the same file.
type CSV struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

func NewCSV(path string) (*CSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv %s: %w", path, err)
	}

	c := &CSV{f: f, w: csv.NewWriter(f), path: path}
	if fi.Size() == 0 {
		if err := c.writeRow(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CSV) Path() string { return c.path }

func (c *CSV) writeRow(row []string) error {
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("csv flush: %w", err)
	}
	return nil
}

func csvRow(res model.ReconciliationResult) []string {
	ref := ""
	diff := ""
	if res.ReferenceSource != model.ReferenceNone {
		ref = strconv.Itoa(res.ReferenceCount)
		diff = strconv.Itoa(res.Difference)
	}
	return []string{
		res.Key.SerialNumber,
		strconv.Itoa(res.BusUserCount),
		ref,
		diff,
		string(res.Classification),
		string(res.Annotation),
	}
}

func (c *CSV) Write(_ context.Context, res model.ReconciliationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeRow(csvRow(res))
}

func (c *CSV) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
