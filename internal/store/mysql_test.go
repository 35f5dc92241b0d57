package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"

	"github.com/intelligrit/jalan-map/internal/model"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func TestMySQLInsertReport(t *testing.T) {
	it(func() {
		s := FromDB(db, MySQL)
		created := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reports (id, category, subcategory, description, lng, lat, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")).
			WithArgs("01B", `["emotional perception"]`, `[]`, "Dark underpass", 110.36, -7.79, "2025-05-06T07:08:09.000000000Z").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := s.InsertReport(context.Background(), model.Report{
			ID:          "01B",
			Category:    []string{model.CategoryEmotional},
			Description: "Dark underpass",
			Lng:         model.Float(110.36),
			Lat:         model.Float(-7.79),
			CreatedAt:   created,
		})
		if err != nil {
			t.Fatalf("inserting: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestMySQLListReports(t *testing.T) {
	it(func() {
		s := FromDB(db, MySQL)

		rows := sqlmock.NewRows([]string{"id", "category", "subcategory", "description", "lng", "lat", "created_at"}).
			AddRow("02", `["physical environment","emotional perception"]`, `["walkability"]`, "Narrow sidewalk", 1.5, 2.5, "2025-05-06T07:08:09.000000000Z").
			AddRow("01", `["physical environment"]`, nil, nil, 1.5, 2.5, "2025-05-05T07:08:09.000000000Z")
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, category, subcategory, description, lng, lat, created_at FROM reports WHERE lat IS NOT NULL AND lng IS NOT NULL ORDER BY created_at DESC")).
			WillReturnRows(rows)

		got, err := s.ListReports(context.Background())
		if err != nil {
			t.Fatalf("listing: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 reports, got %d", len(got))
		}
		if got[0].ID != "02" || len(got[0].Category) != 2 {
			t.Errorf("unexpected first report: %+v", got[0])
		}
		if got[1].Subcategory != nil || got[1].Description != "" {
			t.Errorf("expected empty optional fields, got %+v", got[1])
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestMySQLCountReports(t *testing.T) {
	it(func() {
		s := FromDB(db, MySQL)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM reports")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

		n, err := s.CountReports(context.Background())
		if err != nil {
			t.Fatalf("counting: %v", err)
		}
		if n != 7 {
			t.Errorf("expected 7, got %d", n)
		}
	})
}

func TestMySQLCountByCategory(t *testing.T) {
	it(func() {
		s := FromDB(db, MySQL)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT category, COUNT(*) FROM reports GROUP BY category")).
			WillReturnRows(sqlmock.NewRows([]string{"category", "count"}).
				AddRow(`["physical environment"]`, 4).
				AddRow(`["physical environment","emotional perception"]`, 2).
				AddRow(nil, 1))

		got, err := s.CountByCategory(context.Background())
		if err != nil {
			t.Fatalf("counting: %v", err)
		}
		if got[model.CategoryPhysical] != 6 || got[model.CategoryEmotional] != 2 || len(got) != 2 {
			t.Errorf("unexpected counts %v", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestMySQLMigrate(t *testing.T) {
	it(func() {
		s := FromDB(db, MySQL)
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS reports").WillReturnResult(sqlmock.NewResult(0, 0))

		if err := s.migrate(); err != nil {
			t.Fatalf("migrating: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}
