package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

var reconciledAt = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func matchResult() model.ReconciliationResult {
	return model.ReconciliationResult{
		Key:             model.DeviceKey{CompanyCode: "ACME", SerialNumber: "SN1"},
		AssetID:         11,
		BusUserCount:    3,
		APIUserCount:    model.Some(3),
		ReferenceCount:  3,
		ReferenceSource: model.ReferenceAPI,
		Classification:  model.Match,
		ReconciledAt:    reconciledAt,
	}
}

func unansweredResult() model.ReconciliationResult {
	return model.ReconciliationResult{
		Key:            model.DeviceKey{CompanyCode: "ACME", SerialNumber: "SN2"},
		Classification: model.Inconclusive,
		Annotation:     model.AnnotationNoResponse,
		ReconciledAt:   reconciledAt,
	}
}

type recordingSink struct {
	mu       sync.Mutex
	writes   []model.ReconciliationResult
	writeErr error
	closeErr error
	closed   bool
}

func (r *recordingSink) Write(_ context.Context, res model.ReconciliationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, res)
	return r.writeErr
}

func (r *recordingSink) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.closeErr
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	failing := &recordingSink{writeErr: errors.New("disk full"), closeErr: errors.New("close failed")}
	ok := &recordingSink{}
	m := NewMulti(failing, nil, ok)
	require.Equal(t, 2, m.Len())

	err := m.Write(context.Background(), matchResult())
	require.Error(t, err)
	assert.ErrorIs(t, err, failing.writeErr)
	assert.Len(t, ok.writes, 1, "healthy sink still written")

	err = m.Close(context.Background())
	assert.ErrorIs(t, err, failing.closeErr)
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestFromWriter(t *testing.T) {
	rec := &recordingSink{}
	s := FromWriter(rec)
	require.NoError(t, s.Write(context.Background(), matchResult()))
	require.NoError(t, s.Close(context.Background()))
	assert.False(t, rec.closed, "underlying writer is not closed")
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSV_HeaderOnceAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "devices.csv")
	ctx := context.Background()

	c, err := NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, matchResult()))
	require.NoError(t, c.Close(ctx))

	c, err = NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, unansweredResult()))
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, [][]string{
		csvHeader,
		{"SN1", "3", "3", "0", "MATCH", ""},
		{"SN2", "0", "", "", "INCONCLUSIVE", "no-response"},
	}, readCSV(t, path))
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafka_MainAndDLQ(t *testing.T) {
	main, dlq := &fakeWriter{}, &fakeWriter{}
	k := &Kafka{main: main, dlq: dlq, sessionID: "s-1", logger: zerolog.Nop()}
	ctx := context.Background()

	require.NoError(t, k.Write(ctx, matchResult()))
	require.NoError(t, k.Write(ctx, unansweredResult()))

	require.Len(t, main.msgs, 2)
	require.Len(t, dlq.msgs, 1)

	m := main.msgs[0]
	assert.Equal(t, "SN1", string(m.Key))
	assert.Equal(t, "s-1", header(m, "session"))
	assert.Equal(t, "MATCH", header(m, "classification"))

	var decoded model.ReconciliationResult
	require.NoError(t, json.Unmarshal(m.Value, &decoded))
	assert.Equal(t, matchResult(), decoded)

	assert.Equal(t, "SN2", string(dlq.msgs[0].Key))
	assert.Equal(t, "no-response", header(dlq.msgs[0], "annotation"))

	require.NoError(t, k.Close(ctx))
	assert.True(t, main.closed)
	assert.True(t, dlq.closed)
}

func TestKafka_SendError(t *testing.T) {
	k := &Kafka{main: &fakeWriter{err: errors.New("leader not available")}, dlq: &fakeWriter{}, logger: zerolog.Nop()}
	require.Error(t, k.Write(context.Background(), matchResult()))
}

func TestBuildPoint(t *testing.T) {
	p := buildPoint(matchResult())
	assert.Equal(t, influxMeasurement, p.Name())
	assert.Equal(t, reconciledAt, p.Time())

	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	assert.Equal(t, map[string]string{"company": "ACME", "serial": "SN1", "classification": "MATCH"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, map[string]interface{}{
		"bus_users":       int64(3),
		"api_users":       int64(3),
		"reference_users": int64(3),
		"difference":      int64(0),
	}, fields)
}

func TestBuildPoint_NoReference(t *testing.T) {
	p := buildPoint(unansweredResult())
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, map[string]interface{}{"bus_users": int64(0)}, fields)

	var annotation string
	for _, tg := range p.TagList() {
		if tg.Key == "annotation" {
			annotation = tg.Value
		}
	}
	assert.Equal(t, "no-response", annotation)
}

type fakeUploader struct {
	object string
	body   []byte
	size   int64
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, objectName string, r io.Reader, size int64, _ string) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.object, f.body, f.size = objectName, b, size
	return nil
}

func newTestArchive(t *testing.T, up Uploader) *Archive {
	return NewArchive(up, ArchiveOpts{
		SessionID:   "abc",
		BasePath:    "roster",
		Compression: "SNAPPY",
		TempDir:     t.TempDir(),
		Now:         func() time.Time { return reconciledAt },
		Logger:      zerolog.Nop(),
	})
}

func TestArchive_UploadsParquet(t *testing.T) {
	up := &fakeUploader{}
	a := newTestArchive(t, up)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, matchResult()))
	require.NoError(t, a.Write(ctx, unansweredResult()))
	require.NoError(t, a.Close(ctx))

	assert.Equal(t, "roster/year=2026/month=05/day=04/session-abc.parquet", up.object)
	assert.Equal(t, int64(len(up.body)), up.size)
	require.Greater(t, len(up.body), 8)
	assert.True(t, bytes.HasPrefix(up.body, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(up.body, []byte("PAR1")))

	_, err := os.Stat(filepath.Join(a.opts.TempDir, "session-abc.parquet"))
	assert.True(t, os.IsNotExist(err), "temp file removed")
}

func TestArchive_EmptySessionUploadsNothing(t *testing.T) {
	up := &fakeUploader{}
	require.NoError(t, newTestArchive(t, up).Close(context.Background()))
	assert.Empty(t, up.object)
}

func TestArchive_UploadError(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := newTestArchive(t, up)
	require.NoError(t, a.Write(context.Background(), matchResult()))
	assert.ErrorIs(t, a.Close(context.Background()), up.err)
}

func TestToArchiveRow(t *testing.T) {
	row := toArchiveRow("abc", matchResult())
	require.NotNil(t, row.APIUserCount)
	assert.Equal(t, int32(3), *row.APIUserCount)
	assert.Nil(t, row.DatabaseUserCount)
	require.NotNil(t, row.Difference)
	assert.Equal(t, int32(0), *row.Difference)
	assert.Equal(t, reconciledAt.UnixMilli(), row.ReconciledAt)

	row = toArchiveRow("abc", unansweredResult())
	assert.Nil(t, row.ReferenceCount)
	assert.Nil(t, row.Difference)
	assert.Equal(t, "no-response", row.Annotation)
}
