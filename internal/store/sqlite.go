package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/energizer-project/gpcm/internal/db"
	"github.com/energizer-project/gpcm/internal/util"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqb is the SQLite statement builder with question mark placeholders.
var sqb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// profileColumns lists the columns returned by profile SELECT queries, in
// scanProfile order.
var profileColumns = []string{
	"profileid", "userid", "uniquenick", "email", "pid",
	"firstname", "lastname", "lon", "lat", "loc", "stat",
	"zipcode", "countrycode", "birth", "gsbrcd", "console",
	"csnum", "cfc", "bssid", "devname", "created_at",
}

// updatableColumns maps updatepro keys to the profile column they change.
var updatableColumns = map[string]string{
	"firstname":   "firstname",
	"lastname":    "lastname",
	"lon":         "lon",
	"lat":         "lat",
	"loc":         "loc",
	"stat":        "stat",
	"zipcode":     "zipcode",
	"countrycode": "countrycode",
	"birth":       "birth",
	"birthday":    "birth",
}

const (
	sessionKeyLength   = 9
	sessionKeyAttempts = 5
)

// Options configures the SQLite store.
type Options struct {
	// BcryptCost is the work factor for stored passwords.
	BcryptCost int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SQLiteStore implements ProfileStore and Maintainer on SQLite.
type SQLiteStore struct {
	db     *db.Database
	cost   int
	now    func() time.Time
	logger zerolog.Logger
}

// Open opens the database file at path, applies migrations and returns a
// ready store.
func Open(path string, opts Options) (*SQLiteStore, error) {
	database, err := db.NewDatabase(path)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(migrations, "migrations"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate profile database: %w", err)
	}

	return New(database, opts), nil
}

// New wraps an already migrated database.
func New(database *db.Database, opts Options) *SQLiteStore {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SQLiteStore{
		db:     database,
		cost:   opts.BcryptCost,
		now:    opts.Now,
		logger: log.With().Str("component", "store").Logger(),
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UserExists reports whether an account exists for the user id and brand code.
func (s *SQLiteStore) UserExists(ctx context.Context, userID, brandCode string) (bool, error) {
	query, args, err := sqb.Select("COUNT(1)").
		From("users").
		Where(sq.Eq{"userid": userID, "gsbrcd": brandCode}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building user query: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("checking user: %w", err)
	}
	return n > 0, nil
}

// CreateUser stores a new account and returns its profile id.
func (s *SQLiteStore) CreateUser(ctx context.Context, u NewUser) (int, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), s.cost)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}

	query, args, err := sqb.Insert("users").
		Columns("userid", "password", "gsbrcd", "email", "uniquenick", "console",
			"csnum", "cfc", "bssid", "devname", "birth", "created_at").
		Values(u.UserID, string(hash), u.BrandCode, u.Email, u.UniqueNick, u.Console,
			u.Serial, u.FriendCode, u.NetworkID, u.DeviceName, u.Birth, s.now().Unix()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("inserting user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading profile id: %w", err)
	}

	s.logger.Info().
		Int64("profileid", id).
		Str("uniquenick", u.UniqueNick).
		Int("console", u.Console).
		Msg("account created")

	return int(id), nil
}

// Login checks the password and returns the profile id.
func (s *SQLiteStore) Login(ctx context.Context, userID, password, brandCode string) (int, error) {
	query, args, err := sqb.Select("profileid", "password").
		From("users").
		Where(sq.Eq{"userid": userID, "gsbrcd": brandCode}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building login query: %w", err)
	}

	var (
		profileID int
		hash      string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&profileID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProfileNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}
	return profileID, nil
}

// CreateSession issues a new session key for the profile. Any previous
// session of the profile is removed.
func (s *SQLiteStore) CreateSession(ctx context.Context, profileID int) (string, error) {
	var key string

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		query, args, err := sqb.Delete("sessions").Where(sq.Eq{"profileid": profileID}).ToSql()
		if err != nil {
			return fmt.Errorf("building delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("removing old sessions: %w", err)
		}

		for attempt := 0; attempt < sessionKeyAttempts; attempt++ {
			candidate := newSessionKey()

			query, args, err := sqb.Insert("sessions").
				Options("OR IGNORE").
				Columns("session_key", "profileid", "created_at").
				Values(candidate, profileID, s.now().Unix()).
				ToSql()
			if err != nil {
				return fmt.Errorf("building insert: %w", err)
			}

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("inserting session: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				key = candidate
				return nil
			}
		}
		return fmt.Errorf("no free session key after %d attempts", sessionKeyAttempts)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// DeleteSession removes a session key.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionKey string) error {
	query, args, err := sqb.Delete("sessions").Where(sq.Eq{"session_key": sessionKey}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// PruneSessions deletes sessions created more than olderThan ago and returns
// how many were removed.
func (s *SQLiteStore) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).Unix()

	query, args, err := sqb.Delete("sessions").Where(sq.Lt{"created_at": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetProfileBySessionKey returns the profile owning sessionKey.
func (s *SQLiteStore) GetProfileBySessionKey(ctx context.Context, sessionKey string) (*Profile, error) {
	cols := make([]string, len(profileColumns))
	for i, c := range profileColumns {
		cols[i] = "u." + c
	}

	query, args, err := sqb.Select(cols...).
		From("users u").
		Join("sessions s ON s.profileid = u.profileid").
		Where(sq.Eq{"s.session_key": sessionKey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building profile query: %w", err)
	}

	p, err := scanProfile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return p, err
}

// GetProfileByProfileID returns a profile by id.
func (s *SQLiteStore) GetProfileByProfileID(ctx context.Context, profileID int) (*Profile, error) {
	query, args, err := sqb.Select(profileColumns...).
		From("users").
		Where(sq.Eq{"profileid": profileID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building profile query: %w", err)
	}

	p, err := scanProfile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

// UpdateProfile applies the updatable subset of fields to the profile owning
// sessionKey. Columns are set in the order they first appear.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, sessionKey string, fields []Field) error {
	var (
		cols   []string
		values = make(map[string]string, len(fields))
	)
	for _, f := range fields {
		col, ok := updatableColumns[f.Key]
		if !ok {
			s.logger.Debug().Str("field", f.Key).Msg("ignoring non-updatable profile field")
			continue
		}
		if _, seen := values[col]; seen {
			s.logger.Debug().Str("field", f.Key).Str("column", col).Msg("repeated profile field, later value wins")
		} else {
			cols = append(cols, col)
		}
		values[col] = f.Value
	}
	if len(cols) == 0 {
		return nil
	}

	update := sqb.Update("users")
	for _, col := range cols {
		update = update.Set(col, values[col])
	}
	query, args, err := update.
		Where("profileid = (SELECT profileid FROM sessions WHERE session_key = ?)", sessionKey).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetBuddyList returns the buddies of a profile in the order they were added.
func (s *SQLiteStore) GetBuddyList(ctx context.Context, profileID int) ([]Buddy, error) {
	query, args, err := sqb.Select("buddy", "authorized", "blocked").
		From("buddies").
		Where(sq.Eq{"owner": profileID}).
		OrderBy("created_at", "buddy").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building buddy query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying buddies: %w", err)
	}
	defer rows.Close()

	var buddies []Buddy
	for rows.Next() {
		var b Buddy
		if err := rows.Scan(&b.ProfileID, &b.Authorized, &b.Blocked); err != nil {
			return nil, fmt.Errorf("scanning buddy: %w", err)
		}
		buddies = append(buddies, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating buddies: %w", err)
	}
	return buddies, nil
}

// AddBuddy records a pending request from profileID to newProfileID. Adding
// an existing relation is a no-op.
func (s *SQLiteStore) AddBuddy(ctx context.Context, profileID, newProfileID int) error {
	query, args, err := sqb.Insert("buddies").
		Options("OR IGNORE").
		Columns("owner", "buddy", "authorized", "blocked", "created_at").
		Values(profileID, newProfileID, 0, 0, s.now().Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("adding buddy: %w", err)
	}
	return nil
}

// AuthBuddy authorizes the pending request fromProfileID made to add profileID.
func (s *SQLiteStore) AuthBuddy(ctx context.Context, profileID, fromProfileID int) error {
	query, args, err := sqb.Update("buddies").
		Set("authorized", 1).
		Where(sq.Eq{"owner": fromProfileID, "buddy": profileID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("authorizing buddy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRelationNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p       Profile
		created int64
	)
	err := row.Scan(
		&p.ProfileID, &p.UserID, &p.UniqueNick, &p.Email, &p.Pid,
		&p.FirstName, &p.LastName, &p.Lon, &p.Lat, &p.Loc, &p.Stat,
		&p.ZipCode, &p.CountryCode, &p.Birth, &p.BrandCode, &p.Console,
		&p.Serial, &p.FriendCode, &p.NetworkID, &p.DeviceName, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	p.CreatedAt = time.Unix(created, 0)
	return &p, nil
}

// newSessionKey returns nine decimal digits without a leading zero.
func newSessionKey() string {
	return util.RandomString(1, "123456789") + util.RandomString(sessionKeyLength-1, util.Digits)
}
