package persistence

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/petrijr/inboxflow/pkg/api"
)

const instanceColumns = `id, state, lease_owner, lease_expires_at`

// placeholderFunc renders the n-th (1-based) bind parameter for a dialect.
type placeholderFunc func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// buildListQuery renders a SELECT over the instances table for filter.
func buildListQuery(filter InstanceFilter, ph placeholderFunc) (string, []any) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	next := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			marks = append(marks, next(string(st)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.OwnerID != "" {
		clauses = append(clauses, "owner_id = "+next(filter.OwnerID))
	}
	if filter.ErrorType != "" {
		clauses = append(clauses, "error_type = "+next(filter.ErrorType))
	}
	if !filter.ErrorSince.IsZero() {
		clauses = append(clauses, "error_at >= "+next(filter.ErrorSince.UnixNano()))
	}
	if !filter.ErrorUntil.IsZero() {
		clauses = append(clauses, "error_at <= "+next(filter.ErrorUntil.UnixNano()))
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < "+next(filter.UpdatedBefore.UnixNano()))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + next(filter.Limit)
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanInstance decodes a row selected with instanceColumns.
func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		id         string
		state      []byte
		leaseOwner sql.NullString
		leaseExp   sql.NullInt64
	)
	if err := row.Scan(&id, &state, &leaseOwner, &leaseExp); err != nil {
		return nil, err
	}
	inst, err := decodeState(state)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", id, err)
	}
	if leaseOwner.Valid && leaseOwner.String != "" && leaseExp.Valid && leaseExp.Int64 > 0 {
		inst.LeaseOwner = leaseOwner.String
		inst.LeaseExpiresAt = fromUnixNano(leaseExp.Int64)
	}
	return inst, nil
}

func scanInstances(rows *sql.Rows) ([]*api.WorkflowInstance, error) {
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// instanceRow holds the indexed columns written alongside the state blob.
type instanceRow struct {
	id           string
	itemID       string
	ownerID      string
	status       string
	currentStage string
	errorType    string
	errorAt      int64
	createdAt    int64
	updatedAt    int64
	state        []byte
}

func newInstanceRow(inst *api.WorkflowInstance) (instanceRow, error) {
	state, err := encodeState(inst)
	if err != nil {
		return instanceRow{}, err
	}
	return instanceRow{
		id:           inst.ID,
		itemID:       inst.ItemID,
		ownerID:      inst.OwnerID,
		status:       string(inst.Status),
		currentStage: string(inst.CurrentStage),
		errorType:    inst.ErrorType,
		errorAt:      unixNano(inst.ErrorTimestamp),
		createdAt:    unixNano(inst.CreatedAt),
		updatedAt:    unixNano(inst.UpdatedAt),
		state:        state,
	}, nil
}
