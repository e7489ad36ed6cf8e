package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 1
	defaultMaxIdleConns = 1
	defaultQueryTimeout = 5 * time.Second
	busyTimeoutMillis   = 5000
)

type Opts struct {
	Driver       string
	Path         string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// SQLite is the content store for pastes and accounts. Every query goes
// through a circuit breaker so a failing disk sheds load instead of piling
// up blocked requests.
type SQLite struct {
	db            *sql.DB
	driver        string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	now           func() time.Time
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(Opts{Path: path})
}

func NewSQLiteWithConfig(o Opts) (*SQLite, error) {
	if o.Driver == "" {
		o.Driver = DriverMattn
	}
	if o.Driver != DriverMattn && o.Driver != DriverModernc {
		return nil, errors.Errorf("unsupported sqlite driver %q", o.Driver)
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	db, err := sql.Open(o.Driver, buildDSN(o.Driver, o.Path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	// an in-memory database disappears with its last connection
	if !isMemory(o.Path) {
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		driver:       o.Driver,
		queryTimeout: o.QueryTimeout,
		now:          time.Now,
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// buildDSN attaches connection pragmas to the DSN so that every pooled
// connection carries them, not just the one that ran the migrations.
func buildDSN(driver, path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var params []string
	switch driver {
	case DriverModernc:
		params = []string{
			"_pragma=foreign_keys(1)",
			"_pragma=busy_timeout(5000)",
		}
		if !isMemory(path) {
			params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(FULL)")
		}
	default:
		params = []string{"_foreign_keys=1", "_busy_timeout=5000"}
		if !isMemory(path) {
			params = append(params, "_journal_mode=WAL", "_synchronous=FULL")
		}
	}
	return path + sep + strings.Join(params, "&")
}
func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// query checks the breaker and derives the per-query deadline.
func (s *SQLite) query(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return qctx, cancel, nil
}

func isUniqueViolation(err error) bool {
	var me sqlite3.Error
	if errors.As(err, &me) {
		return me.ExtendedCode == sqlite3.ErrConstraintUnique ||
			me.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var ne *sqlite.Error
	if errors.As(err, &ne) {
		return ne.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			ne.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
func nullMillis(t sql.Null[time.Time]) sql.Null[int64] {
	if !t.Valid {
		return sql.Null[int64]{}
	}
	return sql.Null[int64]{V: toMillis(t.V), Valid: true}
}
func nullTime(ms sql.Null[int64]) sql.Null[time.Time] {
	if !ms.Valid {
		return sql.Null[time.Time]{}
	}
	return sql.Null[time.Time]{V: fromMillis(ms.V), Valid: true}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
