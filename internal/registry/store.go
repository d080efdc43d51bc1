package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Status values for the per-user state machine.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusInSearch    Status = "in_search"
	StatusCoupled     Status = "coupled"
	StatusPartnerLeft Status = "partner_left"
)

const (
	// CreditStart is the credit every freshly verified user begins with.
	CreditStart = 100

	// CreditMin and CreditMax bound the credit score. AdjustCredit clamps
	// into this range inside the UPDATE itself, so out-of-range values are
	// never persisted.
	CreditMin = 0
	CreditMax = 100
)

var (
	// ErrNotFound is returned when the referenced user record does not exist.
	ErrNotFound = errors.New("registry: user not found")

	// ErrNotCoupled is returned when an operation requires a partner and the
	// user has none. Callers treat it as "not in chat", never as fatal.
	ErrNotCoupled = errors.New("registry: user not coupled")
)

// User is a single user record.
//
// PartnerID is a plain foreign-key-style id, 0 when unset; the mutual
// A<->B reference only ever changes through Couple and Uncouple, which
// update both rows in one transaction. JoinedAt and ChatStartedAt are the
// zero time when unset.
type User struct {
	ID            int64
	Status        Status
	PartnerID     int64
	Credit        int
	JoinedAt      time.Time
	ChatStartedAt time.Time
}

// Store manages user records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: postgres connection failed: %w", err)
	}

	return db, nil
}

// Get retrieves a user record. Returns ErrNotFound if the user is unknown.
func (s *Store) Get(ctx context.Context, userID int64) (*User, error) {
	const query = `
		SELECT status, partner_id, credit, start_bot_time, start_chat_time
		FROM users
		WHERE user_id = $1`

	var (
		u         = User{ID: userID}
		partnerID sql.NullInt64
		joinedAt  sql.NullTime
		chatStart sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&u.Status, &partnerID, &u.Credit, &joinedAt, &chatStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %d: %w", userID, err)
	}

	u.PartnerID = partnerID.Int64
	u.JoinedAt = joinedAt.Time
	u.ChatStartedAt = chatStart.Time
	return &u, nil
}

// Create inserts a new user record with starting credit and idle status.
// Creating an already-known user is a no-op.
func (s *Store) Create(ctx context.Context, userID int64) error {
	const query = `
		INSERT INTO users (user_id, credit, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, userID, CreditStart, StatusIdle); err != nil {
		return fmt.Errorf("registry: create %d: %w", userID, err)
	}
	return nil
}

// SetStatus updates the session status for a single user.
func (s *Store) SetStatus(ctx context.Context, userID int64, status Status) error {
	const query = `UPDATE users SET status = $2 WHERE user_id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, status)
	if err != nil {
		return fmt.Errorf("registry: set status %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJoinTime records the moment of the user's latest successful verification.
func (s *Store) SetJoinTime(ctx context.Context, userID int64, t time.Time) error {
	const query = `UPDATE users SET start_bot_time = $2 WHERE user_id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, t.UTC())
	if err != nil {
		return fmt.Errorf("registry: set join time %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustCredit applies a delta to the user's credit, clamped to
// [CreditMin, CreditMax] inside the statement. Returns the updated credit.
func (s *Store) AdjustCredit(ctx context.Context, userID int64, delta int) (int, error) {
	const query = `
		UPDATE users
		SET credit = LEAST($3, GREATEST($2, credit + $4))
		WHERE user_id = $1
		RETURNING credit`

	var credit int
	err := s.db.QueryRowContext(ctx, query, userID, CreditMin, CreditMax, delta).Scan(&credit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("registry: adjust credit %d: %w", userID, err)
	}
	return credit, nil
}

// PartnerOf returns the id of the user currently pointing at userID as their
// partner. The reverse lookup makes dangling references self-detecting: if
// nobody points back, ErrNotCoupled is returned regardless of what the
// user's own row claims.
func (s *Store) PartnerOf(ctx context.Context, userID int64) (int64, error) {
	const query = `SELECT user_id FROM users WHERE partner_id = $1`

	var partnerID int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotCoupled
	}
	if err != nil {
		return 0, fmt.Errorf("registry: partner of %d: %w", userID, err)
	}
	return partnerID, nil
}

// Couple pairs the requesting user with a waiting partner. Candidate
// selection is storage order over users in search; FOR UPDATE SKIP LOCKED
// keeps two concurrent Couple calls from selecting the same candidate, and
// both row updates share one transaction so a half-paired state can never
// be observed. Returns (0, false, nil) when nobody is waiting.
//
// Both rows receive the same start_chat_time.
func (s *Store) Couple(ctx context.Context, userID int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("registry: couple begin: %w", err)
	}
	defer tx.Rollback()

	// Lock the requester's row first and confirm they are still searching:
	// a concurrent Couple may already have claimed them.
	var selfStatus Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM users WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&selfStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("registry: couple lock %d: %w", userID, err)
	}
	if selfStatus != StatusInSearch {
		return 0, false, nil
	}

	var partnerID int64
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM users
		WHERE status = $1 AND user_id <> $2
		ORDER BY user_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		StatusInSearch, userID).Scan(&partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("registry: couple scan: %w", err)
	}

	startedAt := time.Now().UTC()
	const update = `
		UPDATE users
		SET partner_id = $2, start_chat_time = $3, status = $4
		WHERE user_id = $1`

	if _, err := tx.ExecContext(ctx, update, userID, partnerID, startedAt, StatusCoupled); err != nil {
		return 0, false, fmt.Errorf("registry: couple update %d: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, update, partnerID, userID, startedAt, StatusCoupled); err != nil {
		return 0, false, fmt.Errorf("registry: couple update %d: %w", partnerID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("registry: couple commit: %w", err)
	}
	return partnerID, true, nil
}

// Uncouple dissolves the user's pairing: both sides get partner_id and
// start_chat_time cleared and status reset to idle, in one transaction.
// Returns ErrNotCoupled if the user has no partner; calling it again after
// a successful uncouple is therefore a no-op.
func (s *Store) Uncouple(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: uncouple begin: %w", err)
	}
	defer tx.Rollback()

	var partnerID int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE partner_id = $1 FOR UPDATE`, userID).
		Scan(&partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotCoupled
	}
	if err != nil {
		return fmt.Errorf("registry: uncouple lock: %w", err)
	}

	const update = `
		UPDATE users
		SET partner_id = NULL, start_chat_time = NULL, status = $2
		WHERE user_id = $1`

	if _, err := tx.ExecContext(ctx, update, userID, StatusIdle); err != nil {
		return fmt.Errorf("registry: uncouple update %d: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, update, partnerID, StatusIdle); err != nil {
		return fmt.Errorf("registry: uncouple update %d: %w", partnerID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: uncouple commit: %w", err)
	}
	return nil
}

// ResetAll clears every user back to idle with no partner and no active
// chat. Run once at startup: in-flight searches and sessions do not survive
// a restart. Returns the number of rows touched.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	const query = `
		UPDATE users
		SET status = $1, partner_id = NULL, start_chat_time = NULL`

	res, err := s.db.ExecContext(ctx, query, StatusIdle)
	if err != nil {
		return 0, fmt.Errorf("registry: reset all: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AllIDs returns the ids of every known user.
func (s *Store) AllIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("registry: all ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("registry: all ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Counts returns the total number of users and how many are currently coupled.
func (s *Store) Counts(ctx context.Context) (total, coupled int, err error) {
	const query = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $1)
		FROM users`

	if err := s.db.QueryRowContext(ctx, query, StatusCoupled).Scan(&total, &coupled); err != nil {
		return 0, 0, fmt.Errorf("registry: counts: %w", err)
	}
	return total, coupled, nil
}
