package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

const schema = `
CREATE TABLE assets (asset_id INTEGER, serial_no TEXT, site_id INTEGER, site_group_id INTEGER);
CREATE TABLE site_group_sites (group_id INTEGER, site_id INTEGER);
CREATE TABLE asset_users (asset_id INTEGER, employee_id INTEGER);
CREATE TABLE results (SerialNo INTEGER, MQTTEmployeeno INTEGER, DatabaseEmoNo INTEGER, Diff INTEGER);

INSERT INTO assets VALUES (1, 'SN1', 10, NULL), (2, 'SN2', 0, 7), (3, '', 5, NULL), (4, 'SN1', 99, NULL);
INSERT INTO site_group_sites VALUES (7, 20), (7, 21), (8, 30);
INSERT INTO asset_users VALUES (1, 100), (1, 101), (1, 102);
`

func newTestStore(t *testing.T, mutate func(*Config)) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(schema)
	require.NoError(t, err)

	cfg := Config{
		Driver:         "sqlite3",
		AssetQuery:     "SELECT asset_id, serial_no, site_id, site_group_id FROM assets ORDER BY asset_id",
		SiteGroupQuery: "SELECT site_id FROM site_group_sites WHERE group_id = ? ORDER BY site_id",
		UserCountQuery: "SELECT COUNT(*) FROM asset_users WHERE asset_id = ?",
		Table:          "results",
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(db, cfg), db
}

func TestAssets(t *testing.T) {
	s, _ := newTestStore(t, nil)

	ix, err := s.Assets(context.Background())
	require.NoError(t, err)
	require.Len(t, ix, 2)

	a, err := ix.Find("SN1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.AssetID, "first row wins on duplicate serials")
	assert.Equal(t, int64(10), a.SiteID)
	assert.Nil(t, a.SiteGroupID)

	b, err := ix.Find("SN2")
	require.NoError(t, err)
	require.NotNil(t, b.SiteGroupID)
	assert.Equal(t, int64(7), *b.SiteGroupID)

	_, err = ix.Find("missing")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestSiteGroupSites(t *testing.T) {
	s, _ := newTestStore(t, nil)

	sites, err := s.SiteGroupSites(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 21}, sites)

	sites, err = s.SiteGroupSites(context.Background(), 404)
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestUserCount(t *testing.T) {
	s, _ := newTestStore(t, nil)
	require.True(t, s.HasUserCount())

	n, err := s.UserCount(context.Background(), model.Asset{AssetID: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	none, _ := newTestStore(t, func(c *Config) { c.UserCountQuery = "" })
	assert.False(t, none.HasUserCount())
	_, err = none.UserCount(context.Background(), model.Asset{AssetID: 1})
	require.Error(t, err)
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM results").Scan(&n))
	return n
}

func TestWrite(t *testing.T) {
	s, db := newTestStore(t, nil)
	ctx := context.Background()

	res := model.ReconciliationResult{
		Key:             model.DeviceKey{CompanyCode: "ACME", SerialNumber: "SN1"},
		AssetID:         1,
		BusUserCount:    2,
		APIUserCount:    model.Some(3),
		ReferenceCount:  3,
		ReferenceSource: model.ReferenceAPI,
		Difference:      1,
		Classification:  model.Mismatch,
		ReconciledAt:    time.Now(),
	}
	require.NoError(t, s.Write(ctx, res))

	var serial, bus, ref, diff int
	require.NoError(t, db.QueryRow("SELECT SerialNo, MQTTEmployeeno, DatabaseEmoNo, Diff FROM results").Scan(&serial, &bus, &ref, &diff))
	assert.Equal(t, []int{1, 2, 3, 1}, []int{serial, bus, ref, diff})

	inconclusive := model.ReconciliationResult{
		Key:            model.DeviceKey{CompanyCode: "ACME", SerialNumber: "SN9"},
		BusUserCount:   4,
		Classification: model.Inconclusive,
		Annotation:     model.AnnotationUnknownAsset,
	}
	require.NoError(t, s.Write(ctx, inconclusive))
	assert.Equal(t, 1, countRows(t, db))
}

func TestWrite_DryRun(t *testing.T) {
	s, db := newTestStore(t, func(c *Config) { c.DryRun = true })
	require.NoError(t, s.Write(context.Background(), model.ReconciliationResult{
		ReferenceSource: model.ReferenceDatabase,
		ReferenceCount:  1,
	}))
	assert.Equal(t, 0, countRows(t, db))
}

func TestWrite_MissingTable(t *testing.T) {
	s, _ := newTestStore(t, func(c *Config) { c.Table = "nope" })
	err := s.Write(context.Background(), model.ReconciliationResult{ReferenceSource: model.ReferenceAPI})
	require.Error(t, err)
}

func TestInsertStatementPlaceholders(t *testing.T) {
	assert.Equal(t, "INSERT INTO dbo.T (SerialNo, MQTTEmployeeno, DatabaseEmoNo, Diff) VALUES (@p1, @p2, @p3, @p4)", insertStatement("sqlserver", "dbo.T"))
	assert.Equal(t, "INSERT INTO t (SerialNo, MQTTEmployeeno, DatabaseEmoNo, Diff) VALUES ($1, $2, $3, $4)", insertStatement("pgx", "t"))
	assert.Equal(t, "INSERT INTO t (SerialNo, MQTTEmployeeno, DatabaseEmoNo, Diff) VALUES (?, ?, ?, ?)", insertStatement("sqlite3", "t"))
}

func TestOpen_Sqlite(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: ":memory:", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Config{Driver: "unknown-driver"})
	require.Error(t, err)
}
