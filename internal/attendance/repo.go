package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"presence/internal/decision"
	"presence/internal/geofence"
	"presence/internal/matcher"
)

// Repository persists devices, enrollments, sessions and decisions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var typeMap = pgtype.NewMap()

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrDeviceRequired
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// ConsumeRefreshToken revokes token if it is stored, unrevoked and unexpired,
// and reports whether it was. The row lock taken by UPDATE lets only one of
// several concurrent callers see the token as active.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND NOT revoked AND expires_at > NOW()
	`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadGallery returns every stored enrollment in id order.
func (r *Repository) LoadGallery(ctx context.Context) ([]matcher.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity_id, embedding
		FROM face_enrollments
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matcher.Enrollment
	for rows.Next() {
		var (
			en  matcher.Enrollment
			vec pgvector.Vector
		)
		if err := rows.Scan(&en.EnrollmentID, &en.IdentityID, &vec); err != nil {
			return nil, err
		}
		en.Embedding = vec.Slice()
		out = append(out, en)
	}
	return out, rows.Err()
}

// Enroll adds one reference embedding for identityID, creating the identity if needed.
func (r *Repository) Enroll(ctx context.Context, identityID string, emb matcher.Embedding) (int64, error) {
	var id int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		var err error
		id, err = insertEnrollment(ctx, tx, identityID, emb)
		return err
	})
	return id, err
}

// ReplaceEnrollments swaps all embeddings of identityID for embs in one transaction.
func (r *Repository) ReplaceEnrollments(ctx context.Context, identityID string, embs []matcher.Embedding) ([]int64, error) {
	ids := make([]int64, 0, len(embs))
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM face_enrollments WHERE identity_id = $1`, identityID); err != nil {
			return err
		}
		for _, emb := range embs {
			id, err := insertEnrollment(ctx, tx, identityID, emb)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Repository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsertIdentity(ctx context.Context, tx *sql.Tx, identityID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO identities (identity_id)
		VALUES ($1)
		ON CONFLICT (identity_id) DO UPDATE SET updated_at = NOW()
	`, identityID)
	return err
}

func insertEnrollment(ctx context.Context, tx *sql.Tx, identityID string, emb matcher.Embedding) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO face_enrollments (identity_id, embedding, dim)
		VALUES ($1, $2, $3)
		RETURNING id
	`, identityID, pgvector.NewVector(emb), len(emb)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert enrollment: %w", err)
	}
	return id, nil
}

// GetSession returns a session by id, or nil when it does not exist.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, radius_m, opens_at, closes_at, updated_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	var (
		s             Session
		opens, closes sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Name, &s.Location.Center.Latitude, &s.Location.Center.Longitude,
		&s.Location.RadiusMeters, &opens, &closes, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if opens.Valid {
		s.Window.OpensAt = opens.Time
	}
	if closes.Valid {
		s.Window.ClosesAt = closes.Time
	}
	return &s, nil
}

// UpsertSession creates or replaces a session definition.
func (r *Repository) UpsertSession(ctx context.Context, s Session) (Session, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (id, name, latitude, longitude, radius_m, opens_at, closes_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			radius_m = EXCLUDED.radius_m,
			opens_at = EXCLUDED.opens_at,
			closes_at = EXCLUDED.closes_at,
			updated_at = NOW()
		RETURNING updated_at
	`, s.ID, s.Name, s.Location.Center.Latitude, s.Location.Center.Longitude, s.Location.RadiusMeters,
		nullTime(s.Window.OpensAt), nullTime(s.Window.ClosesAt)).Scan(&s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

const decisionColumns = `id, session_id, device_id, identity_id, enrollment_id, distance, confidence,
	match_reason, match_accepted, in_range, geofence_reason, distance_m, in_window, accepted,
	reasons, stable_count, captured_at, decided_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordDecision appends a decision to the attendance log.
func (r *Repository) RecordDecision(ctx context.Context, rec Record) error {
	return insertDecision(ctx, r.db, rec)
}

// RecordAccepted appends an accepted decision unless the identity already has
// one in the same session within window. In that case the earlier decision is
// returned and nothing is written. Attempts for one identity and session are
// serialized with a transaction-scoped advisory lock.
func (r *Repository) RecordAccepted(ctx context.Context, rec Record, window time.Duration) (*Record, error) {
	if rec.IdentityID == nil {
		return nil, r.RecordDecision(ctx, rec)
	}
	var prev *Record
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || '/' || $2::text))`,
			*rec.IdentityID, rec.SessionID); err != nil {
			return fmt.Errorf("dedup lock: %w", err)
		}
		var err error
		prev, err = recentAccepted(ctx, tx, *rec.IdentityID, rec.SessionID, window)
		if err != nil || prev != nil {
			return err
		}
		return insertDecision(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func insertDecision(ctx context.Context, db execer, rec Record) error {
	var enrollmentID any
	if rec.EnrollmentID != 0 {
		enrollmentID = rec.EnrollmentID
	}
	var capturedAt any
	if rec.CapturedAt != nil {
		capturedAt = *rec.CapturedAt
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO attendance_decisions (`+decisionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, rec.ID, rec.SessionID, rec.DeviceID, rec.IdentityID, enrollmentID, rec.Distance, rec.Confidence,
		string(rec.MatchReason), rec.MatchAccepted, rec.InRange, rec.GeofenceReason, rec.DistanceMeters,
		rec.InWindow, rec.Accepted, reasonStrings(rec.Reasons), rec.StableCount, capturedAt, rec.DecidedAt)
	return err
}

// recentAccepted returns the latest accepted decision for the identity in the
// session within window, or nil.
func recentAccepted(ctx context.Context, db queryRower, identityID, sessionID string, window time.Duration) (*Record, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+`
		FROM attendance_decisions
		WHERE identity_id = $1 AND session_id = $2 AND accepted
		  AND decided_at >= NOW() - ($3 * interval '1 second')
		ORDER BY decided_at DESC
		LIMIT 1
	`, identityID, sessionID, window.Seconds())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetDecision returns a single decision by id, or nil.
func (r *Repository) GetDecision(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM attendance_decisions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListDecisions returns decisions newest first with basic filters.
func (r *Repository) ListDecisions(ctx context.Context, f DecisionFilter) ([]Record, error) {
	f = f.normalize()
	query := `SELECT ` + decisionColumns + ` FROM attendance_decisions`
	args := []any{}
	clauses := []string{}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if f.IdentityID != "" {
		args = append(args, f.IdentityID)
		clauses = append(clauses, fmt.Sprintf("identity_id = $%d", len(args)))
	}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		clauses = append(clauses, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if f.AcceptedOnly {
		clauses = append(clauses, "accepted")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY decided_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec          Record
		enrollmentID sql.NullInt64
		capturedAt   sql.NullTime
		matchReason  string
		reasons      []string
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.DeviceID, &rec.IdentityID, &enrollmentID,
		&rec.Distance, &rec.Confidence, &matchReason, &rec.MatchAccepted, &rec.InRange,
		&rec.GeofenceReason, &rec.DistanceMeters, &rec.InWindow, &rec.Accepted,
		typeMap.SQLScanner(&reasons), &rec.StableCount, &capturedAt, &rec.DecidedAt)
	if err != nil {
		return Record{}, err
	}
	rec.EnrollmentID = enrollmentID.Int64
	rec.MatchReason = matcher.Reason(matchReason)
	if capturedAt.Valid {
		t := capturedAt.Time.UTC()
		rec.CapturedAt = &t
	}
	rec.DecidedAt = rec.DecidedAt.UTC()
	rec.Reasons = make([]decision.Reason, 0, len(reasons))
	for _, s := range reasons {
		rec.Reasons = append(rec.Reasons, decision.Reason(s))
	}
	return rec, nil
}

func reasonStrings(rs []decision.Reason) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, string(r))
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// Session is an attendance period bound to a place.
type Session struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Location  geofence.ExpectedLocation `json:"location"`
	Window    decision.Window           `json:"window"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	SessionID    string
	IdentityID   string
	DeviceID     string
	AcceptedOnly bool
	Limit        int
	Offset       int
}

func (f DecisionFilter) normalize() DecisionFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
