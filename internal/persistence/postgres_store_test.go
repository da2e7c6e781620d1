package persistence_test

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/persistence/storetest"
	"github.com/petrijr/inboxflow/internal/testutil"
)

type postgresStoreSuite struct {
	storetest.CheckpointSuite
	db *sql.DB
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	s := new(postgresStoreSuite)

	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	s.db = db

	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	s.Store = store
	s.Reset = func() {
		_, err := s.db.Exec("TRUNCATE TABLE instances, correlations")
		s.NoErrorf(err, "TRUNCATE failed %v", "formatted")
	}
	suite.Run(t, s)
}
