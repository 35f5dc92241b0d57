package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"

	"github.com/intelligrit/jalan-map/internal/model"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DuckDB Dialect = "duckdb"
	MySQL  Dialect = "mysql"
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists reports.
type Store struct {
	DB      *sql.DB
	DataDir string
	Dialect Dialect
}

// New opens (or creates) a DuckDB database in the given data directory.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "jalan-map.duckdb")
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	s := &Store{DB: db, DataDir: dataDir, Dialect: DuckDB}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

// Open opens the store for the configured driver. DuckDB lives in dataDir;
// MySQL connects with dsn.
func Open(driver, dataDir, dsn string) (*Store, error) {
	switch Dialect(driver) {
	case "", DuckDB:
		return New(dataDir)
	case MySQL:
		if dsn == "" {
			return nil, errors.New("mysql driver needs a dsn")
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening mysql: %w", err)
		}
		s := FromDB(db, MySQL)
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

// FromDB wraps an already-open database without migrating it.
func FromDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{DB: db, Dialect: dialect}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			subcategory TEXT,
			description TEXT,
			lng DOUBLE,
			lat DOUBLE,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at)`,
	}
	if s.Dialect == MySQL {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS reports (
				id VARCHAR(32) PRIMARY KEY,
				category TEXT NOT NULL,
				subcategory TEXT,
				description TEXT,
				lng DOUBLE,
				lat DOUBLE,
				created_at VARCHAR(40) NOT NULL,
				INDEX idx_reports_created (created_at)
			)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

const reportColumns = "id, category, subcategory, description, lng, lat, created_at"

// InsertReport stores a report. The caller assigns the id and timestamp.
func (s *Store) InsertReport(ctx context.Context, r model.Report) error {
	category, err := json.Marshal(nonNil(r.Category))
	if err != nil {
		return fmt.Errorf("encoding category: %w", err)
	}
	subcategory, err := json.Marshal(nonNil(r.Subcategory))
	if err != nil {
		return fmt.Errorf("encoding subcategory: %w", err)
	}

	_, err = s.DB.ExecContext(ctx,
		"INSERT INTO reports ("+reportColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, string(category), string(subcategory), r.Description,
		nullable(r.Lng), nullable(r.Lat), r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting report %s: %w", r.ID, err)
	}
	return nil
}

// ListReports returns the reports that have both coordinates, newest first.
func (s *Store) ListReports(ctx context.Context) ([]model.Report, error) {
	return s.query(ctx, "SELECT "+reportColumns+" FROM reports WHERE lat IS NOT NULL AND lng IS NOT NULL ORDER BY created_at DESC")
}

// AllReports returns every report, newest first.
func (s *Store) AllReports(ctx context.Context) ([]model.Report, error) {
	return s.query(ctx, "SELECT "+reportColumns+" FROM reports ORDER BY created_at DESC")
}

// CountReports returns the total number of reports.
func (s *Store) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n)
	return n, err
}

// CountByCategory returns how many reports carry each category tag. A report
// with two categories counts once for each.
func (s *Store) CountByCategory(ctx context.Context) (map[string]int, error) {
	return s.countTags(ctx, "category")
}

// CountBySubcategory is CountByCategory for subcategory tags.
func (s *Store) CountBySubcategory(ctx context.Context) (map[string]int, error) {
	return s.countTags(ctx, "subcategory")
}

// countTags groups on the stored JSON array and splits each group's count
// across its tags.
func (s *Store) countTags(ctx context.Context, column string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM reports GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("counting by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			encoded sql.NullString
			n       int
		)
		if err := rows.Scan(&encoded, &n); err != nil {
			return nil, err
		}
		if !encoded.Valid || encoded.String == "" {
			continue
		}
		var tags []string
		if err := json.Unmarshal([]byte(encoded.String), &tags); err != nil {
			return nil, fmt.Errorf("decoding %s %q: %w", column, encoded.String, err)
		}
		for _, t := range tags {
			counts[t] += n
		}
	}
	return counts, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Report, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		var (
			r                     model.Report
			category, subcategory sql.NullString
			description           sql.NullString
			lng, lat              sql.NullFloat64
			createdAt             string
		)
		if err := rows.Scan(&r.ID, &category, &subcategory, &description, &lng, &lat, &createdAt); err != nil {
			return nil, err
		}
		if category.Valid {
			if err := json.Unmarshal([]byte(category.String), &r.Category); err != nil {
				return nil, fmt.Errorf("decoding category of %s: %w", r.ID, err)
			}
		}
		if subcategory.Valid && subcategory.String != "" {
			if err := json.Unmarshal([]byte(subcategory.String), &r.Subcategory); err != nil {
				return nil, fmt.Errorf("decoding subcategory of %s: %w", r.ID, err)
			}
		}
		r.Description = description.String
		if lng.Valid {
			r.Lng = model.Float(lng.Float64)
		}
		if lat.Valid {
			r.Lat = model.Float(lat.Float64)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of %s: %w", r.ID, err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func firstLine(stmt string) string {
	for i, c := range stmt {
		if c == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}
