package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	parquetw "github.com/lucaslui/hems/roster-reconciler/internal/compression"
	"github.com/lucaslui/hems/roster-reconciler/internal/model"
	"github.com/lucaslui/hems/roster-reconciler/internal/storage"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
}

type archiveRow struct {
	SessionID         string `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CompanyCode       string `parquet:"name=company_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SerialNumber      string `parquet:"name=serial_number, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetID           int64  `parquet:"name=asset_id, type=INT64"`
	BusUserCount      int32  `parquet:"name=bus_user_count, type=INT32"`
	APIUserCount      *int32 `parquet:"name=api_user_count, type=INT32, repetitiontype=OPTIONAL"`
	DatabaseUserCount *int32 `parquet:"name=database_user_count, type=INT32, repetitiontype=OPTIONAL"`
	ReferenceCount    *int32 `parquet:"name=reference_count, type=INT32, repetitiontype=OPTIONAL"`
	ReferenceSource   string `parquet:"name=reference_source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Difference        *int32 `parquet:"name=difference, type=INT32, repetitiontype=OPTIONAL"`
	Classification    string `parquet:"name=classification, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Annotation        string `parquet:"name=annotation, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ReconciledAt      int64  `parquet:"name=reconciled_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func optional(c model.Count) *int32 {
	if !c.Valid {
		return nil
	}
	n := int32(c.N)
	return &n
}

func toArchiveRow(sessionID string, res model.ReconciliationResult) archiveRow {
	row := archiveRow{
		SessionID:         sessionID,
		CompanyCode:       res.Key.CompanyCode,
		SerialNumber:      res.Key.SerialNumber,
		AssetID:           res.AssetID,
		BusUserCount:      int32(res.BusUserCount),
		APIUserCount:      optional(res.APIUserCount),
		DatabaseUserCount: optional(res.DatabaseUserCount),
		ReferenceSource:   string(res.ReferenceSource),
		Classification:    string(res.Classification),
		Annotation:        string(res.Annotation),
		ReconciledAt:      res.ReconciledAt.UTC().UnixMilli(),
	}
	if res.ReferenceSource != model.ReferenceNone {
		row.ReferenceCount = optional(model.Some(res.ReferenceCount))
		row.Difference = optional(model.Some(res.Difference))
	}
	return row
}

type ArchiveOpts struct {
	SessionID   string
	BasePath    string
	Compression string
	TempDir     string
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Archive buffers the session's results and uploads them as a single parquet
// object when closed.
type Archive struct {
	opts     ArchiveOpts
	uploader Uploader
	logger   zerolog.Logger

	mu   sync.Mutex
	rows []archiveRow
}

func NewArchive(up Uploader, o ArchiveOpts) *Archive {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	return &Archive{
		opts:     o,
		uploader: up,
		logger:   o.Logger.With().Str("component", "archive").Logger(),
	}
}

func (a *Archive) Write(_ context.Context, res model.ReconciliationResult) error {
	a.mu.Lock()
	a.rows = append(a.rows, toArchiveRow(a.opts.SessionID, res))
	a.mu.Unlock()
	return nil
}

func (a *Archive) ObjectName(t time.Time) string {
	return storage.BuildObjectPath(a.opts.BasePath, t, fmt.Sprintf("session-%s.parquet", a.opts.SessionID))
}

// Close writes and uploads the archive. An empty session uploads nothing.
func (a *Archive) Close(ctx context.Context) error {
	a.mu.Lock()
	rows := a.rows
	a.rows = nil
	a.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	ts := a.opts.Now().UTC()
	tmp := filepath.Join(a.opts.TempDir, fmt.Sprintf("session-%s.parquet", a.opts.SessionID))
	defer os.Remove(tmp)

	pw, closeFn, err := parquetw.NewLocalParquetWriter[archiveRow](tmp, 4, a.opts.Compression)
	if err != nil {
		return fmt.Errorf("parquet writer: %w", err)
	}
	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			_ = closeFn()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := closeFn(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}

	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	obj := a.ObjectName(ts)
	if err := a.uploader.Upload(ctx, obj, f, fi.Size(), "application/octet-stream"); err != nil {
		return err
	}
	a.logger.Info().Str("object", obj).Int("rows", len(rows)).Int64("bytes", fi.Size()).Msg("session archived")
	return nil
}
