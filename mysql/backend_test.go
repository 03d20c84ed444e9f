package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"reflect"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/queuetest"
)

// testDBURL is the MySQL server to test against, e.g.
// root@tcp(127.0.0.1:3306)/mongoqueue_test. Tests are skipped without it.
var testDBURL = os.Getenv("MONGOQUEUE_TEST_MYSQL_URL")

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	code := m.Run()

	if testDBURL != "" {
		if err := dropDatabase(testDBURL); err != nil {
			log.Printf("unable to drop test database: %v", err)
		}
	}

	os.Exit(code)
}

func dropDatabase(dsn string) error {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil
	}
	// Connect without DB name
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbname))
	return err
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	if testDBURL == "" {
		t.Skip("MONGOQUEUE_TEST_MYSQL_URL not set")
	}
	b, err := Open(testDBURL, mongoqueue.Config{Collection: "jobs"})
	if err != nil {
		t.Fatalf("Open returned %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMySQLBackend(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) mongoqueue.Backend {
		return newTestBackend(t)
	})
}

func TestMySQLNewDeclaresIndexes(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if err := b.Drop(ctx); err != nil {
		t.Fatalf("Drop returned %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := mongoqueue.New(ctx, b); err != nil {
			t.Fatalf("New returned %v", err)
		}
	}
	indexes, err := b.Indexes(ctx)
	if err != nil {
		t.Fatalf("Indexes returned %v", err)
	}
	want := []string{"ix_jobs_id", "ix_jobs_locked_by_attempts", "ix_jobs_locked_by_locked_at", "ix_jobs_priority"}
	if have := indexes; !reflect.DeepEqual(want, have) {
		t.Fatalf("Indexes = %v, want %v", have, want)
	}
}

func TestMySQLRejectsInvalidTableName(t *testing.T) {
	if _, err := NewBackend(nil, mongoqueue.Config{Collection: "jobs`; DROP TABLE x"}); err == nil {
		t.Fatal("NewBackend accepted an invalid table name")
	}
}

func TestMySQLOpenRejectsInvalidDSN(t *testing.T) {
	if _, err := Open("not a dsn", mongoqueue.Config{}); err == nil {
		t.Fatal("Open accepted an invalid DSN")
	}
}
