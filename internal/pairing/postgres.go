package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pairlink/chat-app/internal/identity"
	"github.com/pairlink/chat-app/pkg/apperr"
)

// Index names from the migrations; unique violations are mapped back to
// typed errors by constraint name.
const (
	constraintOneAccepted = "pairings_one_accepted_per_subject"
	constraintActivePair  = "pairings_one_active_per_pair"
)

// PostgresStore is the durable pairing store. I1 and I2 are backstopped by
// partial unique indexes, so even a bug in the transactional re-check cannot
// commit two accepted pairings for one subject.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a pairing store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Pairing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pairing: begin create: %w", err)
	}
	defer tx.Rollback()

	// I1 gate at request time: a subject with an accepted sponsor cannot
	// receive or send new requests. Locking the accepted row (if any)
	// serializes the check against a concurrent accept's commit, so a
	// request cannot slip a pending row in under an in-flight accept.
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM pairings WHERE subject_id = $1 AND status = 'accepted' FOR UPDATE`,
		p.SubjectID,
	)
	if err != nil {
		return fmt.Errorf("pairing: lock accepted: %w", err)
	}
	paired := rows.Next()
	if err := rows.Close(); err != nil {
		return fmt.Errorf("pairing: lock accepted close: %w", err)
	}
	if paired {
		return apperr.ErrAlreadyPaired
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pairings (id, subject_id, sponsor_id, status, requested_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.SubjectID, p.SponsorID, p.Status, p.RequestedBy, p.CreatedAt,
	)
	if err != nil {
		// I2: a pending or accepted record for this pair already exists.
		if uniqueViolation(err, constraintActivePair) {
			return apperr.ErrRequestPending
		}
		return fmt.Errorf("pairing: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pairing: commit create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Pairing, error) {
	return scanPairing(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, sponsor_id, status, requested_by, created_at
		 FROM pairings WHERE id = $1`, id))
}

func (s *PostgresStore) Accept(ctx context.Context, id string) (*Pairing, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pairing: begin accept: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPairing(tx.QueryRowContext(ctx,
		`SELECT id, subject_id, sponsor_id, status, requested_by, created_at
		 FROM pairings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, apperr.Wrap(apperr.CodeNotFound, "pairing is not pending", nil)
	}

	// Commit-time re-check of I1: two sponsors may race to accept pending
	// requests for the same subject. Locking the accepted row (if any)
	// serializes the decision; the loser sees it and fails, leaving its
	// own row pending so the sponsor can be notified.
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM pairings WHERE subject_id = $1 AND status = 'accepted' FOR UPDATE`,
		p.SubjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("pairing: lock accepted: %w", err)
	}
	taken := rows.Next()
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("pairing: lock accepted close: %w", err)
	}
	if taken {
		return nil, apperr.ErrAlreadyPaired
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pairings SET status = 'accepted' WHERE id = $1`, p.ID)
	if err != nil {
		if uniqueViolation(err, constraintOneAccepted) {
			return nil, apperr.ErrAlreadyPaired
		}
		return nil, fmt.Errorf("pairing: update accepted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if uniqueViolation(err, constraintOneAccepted) {
			return nil, apperr.ErrAlreadyPaired
		}
		return nil, fmt.Errorf("pairing: commit accept: %w", err)
	}

	p.Status = StatusAccepted
	return p, nil
}

func (s *PostgresStore) Reject(ctx context.Context, id string) (*Pairing, error) {
	p, err := scanPairing(s.db.QueryRowContext(ctx,
		`UPDATE pairings SET status = 'rejected'
		 WHERE id = $1 AND status = 'pending'
		 RETURNING id, subject_id, sponsor_id, status, requested_by, created_at`, id))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, role identity.Role, filter Filter) ([]Pairing, error) {
	myColumn := "sponsor_id"
	if role == identity.RoleSubject {
		myColumn = "subject_id"
	}

	var query string
	args := []interface{}{userID}

	switch filter {
	case FilterIncomingPending:
		query = `SELECT id, subject_id, sponsor_id, status, requested_by, created_at
			 FROM pairings WHERE ` + myColumn + ` = $1 AND status = 'pending' AND requested_by = $2
			 ORDER BY created_at DESC, id`
		args = append(args, role.Counterpart())
	case FilterOutgoingPending:
		query = `SELECT id, subject_id, sponsor_id, status, requested_by, created_at
			 FROM pairings WHERE ` + myColumn + ` = $1 AND status = 'pending' AND requested_by = $2
			 ORDER BY created_at DESC, id`
		args = append(args, role)
	case FilterAccepted, FilterRejected:
		query = `SELECT id, subject_id, sponsor_id, status, requested_by, created_at
			 FROM pairings WHERE ` + myColumn + ` = $1 AND status = $2
			 ORDER BY created_at DESC, id`
		args = append(args, string(filter))
	default:
		return nil, fmt.Errorf("pairing: unknown filter %q", filter)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pairing: list: %w", err)
	}
	defer rows.Close()

	var out []Pairing
	for rows.Next() {
		var p Pairing
		if err := rows.Scan(&p.ID, &p.SubjectID, &p.SponsorID, &p.Status, &p.RequestedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("pairing: list scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasAccepted(ctx context.Context, userA, userB string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM pairings
			WHERE status = 'accepted'
			  AND ((subject_id = $1 AND sponsor_id = $2) OR (subject_id = $2 AND sponsor_id = $1))
		)`, userA, userB,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("pairing: has accepted: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) AcceptedPartners(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN subject_id = $1 THEN sponsor_id ELSE subject_id END
		 FROM pairings
		 WHERE status = 'accepted' AND (subject_id = $1 OR sponsor_id = $1)
		 ORDER BY 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("pairing: accepted partners: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pairing: accepted partners scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanPairing(row *sql.Row) (*Pairing, error) {
	var p Pairing
	err := row.Scan(&p.ID, &p.SubjectID, &p.SponsorID, &p.Status, &p.RequestedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pairing: scan: %w", err)
	}
	return &p, nil
}

// uniqueViolation reports whether err is a Postgres unique_violation on the
// named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && string(pqErr.Constraint) == constraint
}
