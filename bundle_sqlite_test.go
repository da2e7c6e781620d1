package inboxflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/inboxflow/pkg/api"
	workerpkg "github.com/petrijr/inboxflow/pkg/worker"
)

// TestSQLiteBundle_DurableAcrossRestart shows that a queued submission
// survives a simulated process restart and is processed by the new process.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "inboxflow_bundle.db")
	open := func() *sql.DB {
		db, err := sql.Open("sqlite", "file:"+dbPath)
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		return db
	}

	// --- Phase 1: enqueue a submission, no processing yet.

	db1 := open()
	bundle1, err := NewSQLiteBundle(db1, quietCollaborators(), workerpkg.Config{})
	require.NoError(t, err)

	require.NoError(t, bundle1.Worker.EnqueueSubmit(ctx, question("item-1")))
	require.Equal(t, 1, bundle1.Pending())

	id := InstanceID("owner-1", "item-1")
	_, err = bundle1.Engine.GetStatus(ctx, id)
	require.ErrorIs(t, err, api.ErrInstanceNotFound, "enqueueing must not create the instance")
	require.NoError(t, db1.Close())

	// --- Phase 2: a new process picks the task up.

	db2 := open()
	defer db2.Close()
	bundle2, err := NewSQLiteBundle(db2, quietCollaborators(), workerpkg.Config{})
	require.NoError(t, err)
	require.Equal(t, 1, bundle2.Pending())

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	inst, err := bundle2.Engine.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)

	events, err := bundle2.Engine.ListEvents(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, api.EventSubmitted, events[0].Type)
}
