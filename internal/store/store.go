package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

var ErrAssetNotFound = errors.New("asset not found")

type Config struct {
	Driver         string
	DSN            string
	AssetQuery     string
	SiteGroupQuery string
	UserCountQuery string
	Table          string
	DryRun         bool
	Logger         zerolog.Logger
}

// Store reads the asset listing and site groups and records reconciliation
// outcomes. Queries are configurable so the same code runs against stored
// procedures on SQL Server or plain SELECTs elsewhere.
type Store struct {
	db     *sql.DB
	cfg    Config
	insert string
	logger zerolog.Logger
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}
	return New(db, cfg), nil
}

// New wraps an already opened database.
func New(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:     db,
		cfg:    cfg,
		insert: insertStatement(cfg.Driver, cfg.Table),
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}
}

func placeholders(driver string, n int) []string {
	out := make([]string, n)
	for i := range out {
		switch driver {
		case "sqlserver":
			out[i] = fmt.Sprintf("@p%d", i+1)
		case "pgx":
			out[i] = fmt.Sprintf("$%d", i+1)
		default:
			out[i] = "?"
		}
	}
	return out
}

func insertStatement(driver, table string) string {
	return fmt.Sprintf("INSERT INTO %s (SerialNo, MQTTEmployeeno, DatabaseEmoNo, Diff) VALUES (%s)",
		table, strings.Join(placeholders(driver, 4), ", "))
}

func (s *Store) Close() error { return s.db.Close() }

// AssetIndex maps device serial numbers to their asset rows.
type AssetIndex map[string]model.Asset

func (ix AssetIndex) Find(serial string) (model.Asset, error) {
	a, ok := ix[serial]
	if !ok {
		return model.Asset{}, fmt.Errorf("%w: serial %q", ErrAssetNotFound, serial)
	}
	return a, nil
}

// Assets runs the asset query. Columns are read positionally:
// AssetID, SerialNo, SiteID, SiteGroupId (nullable).
func (s *Store) Assets(ctx context.Context) (AssetIndex, error) {
	rows, err := s.db.QueryContext(ctx, s.cfg.AssetQuery)
	if err != nil {
		return nil, fmt.Errorf("asset query: %w", err)
	}
	defer rows.Close()

	ix := make(AssetIndex)
	for rows.Next() {
		var (
			a      model.Asset
			serial sql.NullString
			group  sql.NullInt64
		)
		if err := rows.Scan(&a.AssetID, &serial, &a.SiteID, &group); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		a.SerialNo = strings.TrimSpace(serial.String)
		if a.SerialNo == "" {
			continue
		}
		if group.Valid {
			id := group.Int64
			a.SiteGroupID = &id
		}
		if _, dup := ix[a.SerialNo]; dup {
			s.logger.Warn().Str("serial", a.SerialNo).Int64("asset_id", a.AssetID).Msg("duplicate serial in asset listing, keeping first")
			continue
		}
		ix[a.SerialNo] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("asset rows: %w", err)
	}
	s.logger.Info().Int("assets", len(ix)).Msg("asset listing loaded")
	return ix, nil
}

func (s *Store) SiteGroupSites(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.cfg.SiteGroupQuery, groupID)
	if err != nil {
		return nil, fmt.Errorf("site group %d: %w", groupID, err)
	}
	defer rows.Close()

	var sites []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan site id: %w", err)
		}
		sites = append(sites, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("site group %d rows: %w", groupID, err)
	}
	return sites, nil
}

// HasUserCount reports whether a database reference count is configured.
func (s *Store) HasUserCount() bool { return s.cfg.UserCountQuery != "" }

// UserCount runs the configured count query with the asset id as its only
// argument.
func (s *Store) UserCount(ctx context.Context, asset model.Asset) (int, error) {
	if !s.HasUserCount() {
		return 0, errors.New("user count query not configured")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.cfg.UserCountQuery, asset.AssetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("user count for asset %d: %w", asset.AssetID, err)
	}
	return n, nil
}

// Write records one result. Results with no reference count are skipped.
func (s *Store) Write(ctx context.Context, res model.ReconciliationResult) error {
	if res.ReferenceSource == model.ReferenceNone {
		s.logger.Debug().Str("device", res.Key.String()).Str("annotation", string(res.Annotation)).Msg("no reference count, not recorded")
		return nil
	}
	if s.cfg.DryRun {
		s.logger.Info().
			Str("device", res.Key.String()).
			Int("bus", res.BusUserCount).
			Int("reference", res.ReferenceCount).
			Int("difference", res.Difference).
			Msg("dry run, not recorded")
		return nil
	}

	if _, err := s.db.ExecContext(ctx, s.insert, res.AssetID, res.BusUserCount, res.ReferenceCount, res.Difference); err != nil {
		return fmt.Errorf("insert %s: %w", res.Key, err)
	}
	return nil
}
