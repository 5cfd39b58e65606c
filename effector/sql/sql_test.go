package sql

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/stepflow/engine/engine/decision"
)

func TestEffector_DoRunsQueryAndMapsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, title FROM todos WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(int64(1), "first"))

	eff := New(sqlx.NewDb(db, "postgres"))
	res, err := eff.Do(context.Background(), decision.Effect{
		Kind:   decision.EffectDBQuery,
		SQL:    "SELECT id, title FROM todos WHERE id = $1",
		Params: []decision.SQLParam{decision.SQLInt64(1)},
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	rows, ok := res.Value.([]map[string]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("rows = %#v", res.Value)
	}
	if rows[0]["title"] != "first" {
		t.Errorf("title = %v, want first", rows[0]["title"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEffector_DoRejectsNonQueryKind(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()
	eff := New(sqlx.NewDb(db, "postgres"))
	_, err := eff.Do(context.Background(), decision.Effect{Kind: decision.EffectDBGet})
	if err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}
