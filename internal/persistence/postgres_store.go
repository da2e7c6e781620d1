package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

// PostgresStore is a CheckpointStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements CheckpointStore.
var _ CheckpointStore = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	p := &PostgresStore{db: db}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			error_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			state BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_status_updated ON instances(status, updated_at);
		CREATE TABLE IF NOT EXISTS correlations (
			message_ref TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL
		);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	r, err := newInstanceRow(inst)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO instances
			(id, item_id, owner_id, status, current_stage, error_type, error_at, created_at, updated_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`,
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

func (p *PostgresStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	r, err := newInstanceRow(inst)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET item_id       = $1,
		    owner_id      = $2,
		    status        = $3,
		    current_stage = $4,
		    error_type    = $5,
		    error_at      = $6,
		    created_at    = $7,
		    updated_at    = $8,
		    state         = $9
		WHERE id = $10
	`,
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

func (p *PostgresStore) Load(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
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

func (p *PostgresStore) List(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query, args := buildListQuery(filter, dollar)
	rows, err := p.db.QueryContext(ctx, query, args...)
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

func (p *PostgresStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()
	expires := now.Add(ttl).UnixNano()
	nowInt := now.UnixNano()

	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $5
		)`,
		owner, expires, instanceID, nowInt, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = $1`, instanceID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrInstanceNotFound
		}
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UnixNano()
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		expires, instanceID, owner,
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

func (p *PostgresStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND (lease_owner = $2 OR lease_expires_at <= $3)`,
		instanceID, owner, time.Now().UnixNano(),
	)
	return err
}

func (p *PostgresStore) PutCorrelation(ctx context.Context, messageRef, instanceID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO correlations (message_ref, instance_id) VALUES ($1, $2)
		ON CONFLICT (message_ref) DO UPDATE SET instance_id = EXCLUDED.instance_id`,
		messageRef, instanceID,
	)
	return err
}

func (p *PostgresStore) LookupCorrelation(ctx context.Context, messageRef string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `SELECT instance_id FROM correlations WHERE message_ref = $1`, messageRef).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCorrelationNotFound
	}
	return id, err
}
