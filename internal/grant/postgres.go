package grant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGStore implements Store using PostgreSQL. The one-in-use-grant-per-pair
// rule is enforced by a partial unique index on
// (professional_id, patient_id) where state in ('pending_validation','active'),
// so concurrent creates across server instances race safely.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps the connection pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const grantColumns = `id, professional_id, patient_id, mode, requires_approval, reason,
	 duration_minutes, state, created_at, terminated_at, termination_reason`

func (s *PGStore) Create(ctx context.Context, g *Grant) error {
	// Settle any lapsed in-use grant for the pair before inserting, so a
	// new request is not blocked waiting for the periodic sweep. The
	// unique index still backstops concurrent creates.
	_, err := s.db.ExecContext(ctx,
		`update access_grants
		 set state='expired'
		 where professional_id=$1 and patient_id=$2
		   and state in ('pending_validation','active')
		   and created_at + duration_minutes * interval '1 minute' <= $3`,
		g.ProfessionalID, g.PatientID, g.CreatedAt,
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into access_grants(id, professional_id, patient_id, mode, requires_approval,
		 reason, duration_minutes, state, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.ProfessionalID, g.PatientID, string(g.Mode), g.RequiresApproval,
		g.Reason, g.DurationMinutes, string(g.State), g.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+grantColumns+` from access_grants where id=$1`, id)
	return scanGrant(row)
}

func (s *PGStore) Update(ctx context.Context, g *Grant) error {
	res, err := s.db.ExecContext(ctx,
		`update access_grants set state=$2, terminated_at=$3, termination_reason=$4 where id=$1`,
		g.ID, string(g.State), g.TerminatedAt, nullIfEmpty(g.TerminationReason),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListByProfessional(ctx context.Context, professionalID string) ([]*Grant, error) {
	return s.query(ctx,
		`select `+grantColumns+` from access_grants where professional_id=$1 order by created_at desc`,
		professionalID)
}

func (s *PGStore) ListByPatient(ctx context.Context, patientID string) ([]*Grant, error) {
	return s.query(ctx,
		`select `+grantColumns+` from access_grants where patient_id=$1 order by created_at desc`,
		patientID)
}

func (s *PGStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update access_grants
		 set state='expired'
		 where state in ('pending_validation','active')
		   and created_at + duration_minutes * interval '1 minute' <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PGStore) query(ctx context.Context, q string, args ...any) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		g          Grant
		mode       string
		state      string
		terminated sql.NullTime
		reason     sql.NullString
	)
	err := row.Scan(&g.ID, &g.ProfessionalID, &g.PatientID, &mode, &g.RequiresApproval,
		&g.Reason, &g.DurationMinutes, &state, &g.CreatedAt, &terminated, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Mode = Mode(mode)
	g.State = State(state)
	if terminated.Valid {
		t := terminated.Time
		g.TerminatedAt = &t
	}
	if reason.Valid {
		g.TerminationReason = reason.String
	}
	return &g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PGStore)(nil)
