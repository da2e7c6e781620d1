package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/persistence/storetest"
	"github.com/petrijr/inboxflow/pkg/api"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type sqliteStoreSuite struct {
	storetest.CheckpointSuite
	db *sql.DB
}

func TestSQLiteStore(t *testing.T) {
	s := new(sqliteStoreSuite)
	s.db = openSQLite(t, filepath.Join(t.TempDir(), "store.db"))
	store, err := persistence.NewSQLiteStore(s.db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	s.Store = store
	s.Reset = func() {
		_, err := s.db.Exec("DELETE FROM instances; DELETE FROM correlations;")
		s.NoErrorf(err, "DELETE failed %v", "formatted")
	}
	suite.Run(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db := openSQLite(t, path)
	store, err := persistence.NewSQLiteStore(db)
	require.NoError(t, err)

	inst := &api.WorkflowInstance{
		ID:           "r1",
		ItemID:       "item-1",
		OwnerID:      "owner-1",
		CurrentStage: api.StageGenerateResponse,
		Status:       api.StatusActive,
		DraftContent: "partial",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, store.Create(ctx, inst))
	require.NoError(t, store.PutCorrelation(ctx, "msg-9", "r1"))
	require.NoError(t, db.Close())

	reopened, err := persistence.NewSQLiteStore(openSQLite(t, path))
	require.NoError(t, err)

	got, err := reopened.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, api.StageGenerateResponse, got.CurrentStage)
	require.Equal(t, "partial", got.DraftContent)

	id, err := reopened.LookupCorrelation(ctx, "msg-9")
	require.NoError(t, err)
	require.Equal(t, "r1", id)
}

func TestSQLiteEventStore(t *testing.T) {
	ctx := context.Background()
	events, err := persistence.NewSQLiteEventStore(openSQLite(t, filepath.Join(t.TempDir(), "events.db")))
	require.NoError(t, err)

	require.NoError(t, events.AppendEvent(ctx, api.WorkflowEvent{InstanceID: "i1", Type: api.EventSubmitted, Status: api.StatusActive}))
	require.NoError(t, events.AppendEvent(ctx, api.WorkflowEvent{InstanceID: "i2", Type: api.EventSubmitted}))
	require.NoError(t, events.AppendEvent(ctx, api.WorkflowEvent{
		InstanceID: "i1",
		Type:       api.EventStageFailed,
		Stage:      api.StageClassify,
		Detail:     "timeout",
	}))

	got, err := events.ListEvents(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, api.EventSubmitted, got[0].Type)
	require.Equal(t, api.StatusActive, got[0].Status)
	require.False(t, got[0].At.IsZero())
	require.Equal(t, api.StageClassify, got[1].Stage)
	require.Equal(t, "timeout", got[1].Detail)
}
