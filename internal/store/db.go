package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"
)

// driverName is go-sqlcipher with the casefold SQL function registered.
const driverName = "sqlcipher_sigvault"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("casefold", strings.ToLower, true)
		},
	})
}

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store: closed")

// OpenErrorKind distinguishes a bad key from a plain I/O problem.
type OpenErrorKind int

const (
	// IOFailure means the file could not be created, read or migrated.
	IOFailure OpenErrorKind = iota
	// WrongKey means the file exists but the key does not decrypt it,
	// or it is not an encrypted database at all.
	WrongKey
)

func (k OpenErrorKind) String() string {
	if k == WrongKey {
		return "wrong key"
	}
	return "i/o failure"
}

// OpenError is returned when the encrypted database cannot be opened.
type OpenError struct {
	Kind OpenErrorKind
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// KeySource supplies the database key. Key must never create one;
// GetOrCreateKey is only used when the database file does not exist yet.
type KeySource interface {
	Key(ctx context.Context) (string, error)
	GetOrCreateKey(ctx context.Context) (string, error)
}

// Store is the SQLCipher-encrypted message store. It holds a single
// connection, opened lazily on the first operation.
type Store struct {
	path   string
	keys   KeySource
	logger *zap.Logger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// New returns a store for the database at path. Nothing is opened until
// the first operation or an explicit Open.
func New(path string, keys KeySource, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, keys: keys, logger: logger}
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Open forces the lazy open. It is safe to call more than once.
func (s *Store) Open() error {
	_, err := s.conn()
	return err
}

// Close closes the connection. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.open(context.Background())
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, &OpenError{Kind: IOFailure, Path: s.path, Err: err}
	}

	fresh := false
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fresh = true
	case err != nil:
		return nil, &OpenError{Kind: IOFailure, Path: s.path, Err: err}
	case info.Size() == 0:
		fresh = true
	}

	var key string
	if fresh {
		key, err = s.keys.GetOrCreateKey(ctx)
	} else {
		key, err = s.keys.Key(ctx)
	}
	if err != nil {
		if fresh {
			return nil, fmt.Errorf("database key: %w", err)
		}
		// An existing database without a retrievable key cannot be read.
		return nil, &OpenError{Kind: WrongKey, Path: s.path, Err: err}
	}

	db, err := OpenEncrypted(s.path, key, false)
	if err != nil {
		return nil, err
	}
	s.logger.Info("encrypted store opened", zap.String("path", s.path), zap.Bool("created", fresh))

	result, err := Migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, &OpenError{Kind: IOFailure, Path: s.path, Err: err}
	}
	if result.Changed {
		s.logger.Info("migrations applied", zap.Uint("version", result.Version))
	}
	return db, nil
}

// OpenEncrypted opens a SQLCipher database with a raw hex key and runs a
// canary query to prove the key is right. The returned handle is limited to
// one connection.
func OpenEncrypted(path, hexKey string, readOnly bool) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_pragma_key", fmt.Sprintf("x'%s'", hexKey))
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_busy_timeout", "5000")
	}
	dsn := fileURI(path) + "?" + params.Encode()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &OpenError{Kind: IOFailure, Path: path, Err: err}
	}
	db.SetMaxOpenConns(1)

	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, &OpenError{Kind: classify(err), Path: path, Err: err}
	}
	return db, nil
}

// fileURI percent-escapes path so '?', '#' and '%' in directory names
// reach SQLite intact.
func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func classify(err error) OpenErrorKind {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrNotADB {
		return WrongKey
	}
	if strings.Contains(strings.ToLower(err.Error()), "file is not a database") {
		return WrongKey
	}
	return IOFailure
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
