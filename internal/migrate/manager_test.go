package migrate

import (
	"context"
	"io/fs"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id int);\ninsert into b values (1);")},
		"sql/0002_b.down.sql": {Data: []byte("drop table b;")},
		"seeds/0001_x.sql":    {Data: []byte("insert into a values (1);")},
	}
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b values").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := NewManager(db, testFS()).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if !reflect.DeepEqual(applied, []string{"0002_b.up.sql"}) {
		t.Fatalf("unexpected applied set %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(fs.ErrPermission)
	mock.ExpectRollback()

	applied, err := NewManager(db, testFS()).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("nothing should be applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name").
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	last, err := NewManager(db, testFS()).Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if last != "0002_b.up.sql" {
		t.Fatalf("rolled back %q", last)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_x.sql"))

	applied, err := NewManager(db, testFS()).Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no seeds, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	in := "-- it's a comment; not a statement\ninsert into t values ('a;b');\n\nselect 1;  "
	got := splitStatements(in)
	want := []string{"insert into t values ('a;b')", "select 1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitStatements = %q, want %q", got, want)
	}
}

func TestEmbeddedSchemaIsComplete(t *testing.T) {
	files, err := collectSQL(Embedded(), defaultMigrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no embedded migrations")
	}
	var all strings.Builder
	for _, f := range files {
		if _, err := fs.Stat(Embedded(), strings.TrimSuffix(f.Path, ".up.sql")+".down.sql"); err != nil {
			t.Fatalf("%s has no down migration", f.Base)
		}
		b, err := fs.ReadFile(Embedded(), f.Path)
		if err != nil {
			t.Fatalf("read %s: %v", f.Path, err)
		}
		all.Write(b)
	}
	for _, table := range []string{"users", "sessions", "consumed_agent_tokens", "audit_events", "accounts", "balances", "transactions"} {
		if !strings.Contains(all.String(), "create table if not exists "+table+" ") {
			t.Fatalf("table %s is not created by any migration", table)
		}
	}
}
