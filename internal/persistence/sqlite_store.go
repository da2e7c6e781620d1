package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

// SQLiteStore is a CheckpointStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements CheckpointStore.
var _ CheckpointStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			error_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			state BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_status_updated ON instances(status, updated_at);
		CREATE TABLE IF NOT EXISTS correlations (
			message_ref TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	r, err := newInstanceRow(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO instances
			(id, item_id, owner_id, status, current_stage, error_type, error_at, created_at, updated_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.itemID, r.ownerID, r.status, r.currentStage, r.errorType, r.errorAt, r.createdAt, r.updatedAt, r.state,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceExists
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	r, err := newInstanceRow(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET item_id = ?, owner_id = ?, status = ?, current_stage = ?, error_type = ?, error_at = ?,
		    created_at = ?, updated_at = ?, state = ?
		WHERE id = ?`,
		r.itemID, r.ownerID, r.status, r.currentStage, r.errorType, r.errorAt, r.createdAt, r.updatedAt, r.state,
		r.id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	dropExpiredLease(inst)
	return inst, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query, args := buildListQuery(filter, questionMark)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	for _, inst := range out {
		dropExpiredLease(inst)
	}
	return out, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.ensureExists(ctx, instanceID)
	}
	return true, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceLocked
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = ? OR lease_expires_at <= ?)`,
		instanceID, owner, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) PutCorrelation(ctx context.Context, messageRef, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlations (message_ref, instance_id) VALUES (?, ?)
		ON CONFLICT(message_ref) DO UPDATE SET instance_id = excluded.instance_id`,
		messageRef, instanceID,
	)
	return err
}

func (s *SQLiteStore) LookupCorrelation(ctx context.Context, messageRef string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT instance_id FROM correlations WHERE message_ref = ?`, messageRef).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCorrelationNotFound
	}
	return id, err
}

func (s *SQLiteStore) ensureExists(ctx context.Context, instanceID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInstanceNotFound
	}
	return err
}

// dropExpiredLease clears a lease that is still recorded but no longer live.
func dropExpiredLease(inst *api.WorkflowInstance) {
	if inst.LeaseOwner != "" && !time.Now().Before(inst.LeaseExpiresAt) {
		inst.LeaseOwner = ""
		inst.LeaseExpiresAt = time.Time{}
	}
}
