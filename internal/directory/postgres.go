// Package directory stores principals and their second-factor material in
// PostgreSQL. It backs both credential verification (auth.Directory) and
// step-up enrollment persistence (stepup.Store).
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medrec.org/internal/auth"
	"medrec.org/internal/stepup"
)

// PG is the PostgreSQL-backed directory.
type PG struct {
	db *sql.DB
}

// NewPG wraps the connection pool.
func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

const principalColumns = `id, kind, identifier, role, secret_hash, status,
	 last_authenticated_at, created_at, updated_at`

func (d *PG) FindByIdentifier(ctx context.Context, kind auth.PrincipalKind, identifier string) (*auth.Principal, error) {
	row := d.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where kind=$1 and identifier=$2`,
		string(kind), identifier)
	return scanPrincipal(row)
}

func (d *PG) FindByID(ctx context.Context, kind auth.PrincipalKind, id string) (*auth.Principal, error) {
	row := d.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where kind=$1 and id=$2`,
		string(kind), id)
	return scanPrincipal(row)
}

func (d *PG) TouchLastAuthenticated(ctx context.Context, kind auth.PrincipalKind, id string, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`update principals set last_authenticated_at=$3, updated_at=$3 where kind=$1 and id=$2`,
		string(kind), id, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanPrincipal(row *sql.Row) (*auth.Principal, error) {
	var (
		p        auth.Principal
		kind     string
		lastAuth sql.NullTime
	)
	err := row.Scan(&p.ID, &kind, &p.Identifier, &p.Role, &p.SecretHash, &p.Status,
		&lastAuth, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Kind = auth.PrincipalKind(kind)
	if lastAuth.Valid {
		t := lastAuth.Time
		p.LastAuthenticatedAt = &t
	}
	return &p, nil
}

func (d *PG) FindEnrollment(ctx context.Context, principalID string) (*stepup.Enrollment, error) {
	var (
		e         stepup.Enrollment
		state     string
		confirmed sql.NullTime
	)
	err := d.db.QueryRowContext(ctx,
		`select principal_id, secret, state, created_at, confirmed_at
		 from stepup_enrollments where principal_id=$1`, principalID).
		Scan(&e.PrincipalID, &e.Secret, &state, &e.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepup.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	e.State = stepup.EnrollmentState(state)
	if confirmed.Valid {
		t := confirmed.Time
		e.ConfirmedAt = &t
	}
	return &e, nil
}

func (d *PG) SaveEnrollment(ctx context.Context, e *stepup.Enrollment) error {
	_, err := d.db.ExecContext(ctx,
		`insert into stepup_enrollments(principal_id, secret, state, created_at, confirmed_at)
		 values($1,$2,$3,$4,$5)
		 on conflict (principal_id) do update
		 set secret=excluded.secret, state=excluded.state, confirmed_at=excluded.confirmed_at`,
		e.PrincipalID, e.Secret, string(e.State), e.CreatedAt, e.ConfirmedAt)
	return err
}

func (d *PG) ListRecoveryCodes(ctx context.Context, principalID string) ([]stepup.RecoveryCode, error) {
	rows, err := d.db.QueryContext(ctx,
		`select id, code_hash, used, used_at from recovery_codes
		 where principal_id=$1 order by id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stepup.RecoveryCode
	for rows.Next() {
		var (
			rc     stepup.RecoveryCode
			usedAt sql.NullTime
		)
		if err := rows.Scan(&rc.ID, &rc.CodeHash, &rc.Used, &usedAt); err != nil {
			return nil, err
		}
		if usedAt.Valid {
			t := usedAt.Time
			rc.UsedAt = &t
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// ReplaceRecoveryCodes swaps the whole set atomically. Codes are only ever
// issued as a batch, so a partial set is never valid.
func (d *PG) ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []stepup.RecoveryCode) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from recovery_codes where principal_id=$1`, principalID); err != nil {
		return err
	}
	for _, rc := range codes {
		if _, err := tx.ExecContext(ctx,
			`insert into recovery_codes(id, principal_id, code_hash, used)
			 values($1,$2,$3,false)`,
			rc.ID, principalID, rc.CodeHash); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeRecoveryCode marks one code used. The "and not used" guard makes
// concurrent redemption of the same code a race only one caller can win.
func (d *PG) ConsumeRecoveryCode(ctx context.Context, principalID, codeID string, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`update recovery_codes set used=true, used_at=$3
		 where principal_id=$1 and id=$2 and not used`,
		principalID, codeID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return stepup.ErrInvalidRecoveryCode
	}
	return nil
}

var (
	_ auth.Directory = (*PG)(nil)
	_ stepup.Store   = (*PG)(nil)
)
