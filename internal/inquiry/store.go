package inquiry

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store is a SQLite backed inquiry and subscriber store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. Call Migrate before use.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, xerrors.New("inquiry: database path is required")
	}
	dbh, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(err, "open sqlite")
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY under load
	dbh.SetMaxOpenConns(1)
	dbh.SetMaxIdleConns(1)
	dbh.SetConnMaxLifetime(0)

	return &Store{db: dbh, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the schema. Safe to call on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return xerrors.Wrap(err, "apply schema")
	}
	return nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(err, "ping sqlite")
	}
	return nil
}

type Inquiry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   string    `json:"company,omitempty"`
	Message   string    `json:"message"`
	ClientIP  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateInquiry normalizes, validates and stores an inquiry. Validation
// failures match ErrInvalid.
func (s *Store) CreateInquiry(ctx context.Context, in NewInquiry) (Inquiry, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return Inquiry{}, err
	}

	now := s.now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inquiries (id, name, email, company, message, client_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, in.Name, in.Email, in.Company, in.Message, in.ClientIP, now)
	if err != nil {
		return Inquiry{}, xerrors.Wrap(err, "insert inquiry")
	}
	return Inquiry{
		ID:        id,
		Name:      in.Name,
		Email:     in.Email,
		Company:   in.Company,
		Message:   in.Message,
		ClientIP:  in.ClientIP,
		CreatedAt: now,
	}, nil
}

// ListInquiries returns the newest inquiries first. limit <= 0 uses
// DefaultListLimit and values above MaxListLimit are clamped.
func (s *Store) ListInquiries(ctx context.Context, limit int) ([]Inquiry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, company, message, client_ip, created_at
		FROM inquiries
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, xerrors.Wrap(err, "list inquiries")
	}
	defer rows.Close()

	var out []Inquiry
	for rows.Next() {
		var q Inquiry
		if err := rows.Scan(&q.ID, &q.Name, &q.Email, &q.Company, &q.Message, &q.ClientIP, &q.CreatedAt); err != nil {
			return nil, xerrors.Wrap(err, "scan inquiry")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type Subscriber struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribe records an email address. Subscribing an existing address
// returns the stored subscriber with created=false.
func (s *Store) Subscribe(ctx context.Context, email string) (sub Subscriber, created bool, err error) {
	email = normalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return Subscriber{}, false, err
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (id, email, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO NOTHING
	`, uuid.NewString(), email, now)
	if err != nil {
		return Subscriber{}, false, xerrors.Wrap(err, "insert subscriber")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Subscriber{}, false, xerrors.Wrap(err, "insert subscriber")
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT id, email, created_at FROM subscribers WHERE email = ?
	`, email).Scan(&sub.ID, &sub.Email, &sub.CreatedAt)
	if err != nil {
		return Subscriber{}, false, xerrors.Wrap(err, "select subscriber")
	}
	return sub, n == 1, nil
}

// CountSubscribers returns the number of stored subscribers.
func (s *Store) CountSubscribers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers`).Scan(&n); err != nil {
		return 0, xerrors.Wrap(err, "count subscribers")
	}
	return n, nil
}
