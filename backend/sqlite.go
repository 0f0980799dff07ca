package backend

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

// driverName is the mattn driver extended with the math and regexp
// functions the sqlite dialect renders. Core SQLite lacks them; the
// connect hook registers Go implementations on every connection so
// generated SQL behaves the same as on engines that ship them.
const driverName = "fhirsql_sqlite3"

var registerDriver sync.Once

func registerSQLiteDriver() {
	registerDriver.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				unary := map[string]func(float64) float64{
					"sqrt":  math.Sqrt,
					"exp":   math.Exp,
					"ln":    math.Log,
					"log10": math.Log10,
					"trunc": math.Trunc,
					"ceil":  math.Ceil,
					"floor": math.Floor,
				}
				for name, fn := range unary {
					if err := conn.RegisterFunc(name, mathFunc1(fn), true); err != nil {
						return err
					}
				}
				binary := map[string]func(float64, float64) float64{
					"power": math.Pow,
					"mod":   math.Mod,
				}
				for name, fn := range binary {
					if err := conn.RegisterFunc(name, mathFunc2(fn), true); err != nil {
						return err
					}
				}
				return conn.RegisterFunc("regexp", regexpMatch, true)
			},
		})
	})
}

// mathFunc1 adapts a float64 function to the dynamically typed
// arguments SQLite hands registered functions: integer SQL values
// arrive as int64, and NULL propagates to NULL the way the engine's
// own numeric builtins behave.
func mathFunc1(fn func(float64) float64) func(interface{}) (interface{}, error) {
	return func(v interface{}) (interface{}, error) {
		x, null := numericArg(v)
		if null {
			return nil, nil
		}
		return fn(x), nil
	}
}

func mathFunc2(fn func(float64, float64) float64) func(interface{}, interface{}) (interface{}, error) {
	return func(a, b interface{}) (interface{}, error) {
		x, nullx := numericArg(a)
		y, nully := numericArg(b)
		if nullx || nully {
			return nil, nil
		}
		return fn(x, y), nil
	}
}

// numericArg coerces one SQLite argument to float64. NULL arrives as
// a nil byte slice; text that does not parse as a number is treated
// as NULL rather than surfacing an error from inside a query.
func numericArg(v interface{}) (float64, bool) {
	switch a := v.(type) {
	case int64:
		return float64(a), false
	case float64:
		return a, false
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		return x, err != nil
	case []byte:
		if a == nil {
			return 0, true
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(string(a)), 64)
		return x, err != nil
	default:
		return 0, true
	}
}

// regexpMatch backs the REGEXP operator. SQLite calls it as
// regexp(pattern, text).
func regexpMatch(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path to the database file; ":memory:" for in-memory.
	Path string

	BusyTimeout int // milliseconds
}

// DefaultSQLiteConfig returns an in-memory configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        ":memory:",
		BusyTimeout: 5000,
	}
}

// SQLiteStore is the SQLite backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the resources table in a
// SQLite database.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	registerSQLiteDriver()

	dsn := cfg.Path
	var opts []string
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	if len(opts) > 0 {
		dsn = dsn + "?" + strings.Join(opts, "&")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendConnect,
			"open sqlite database").WithOp("backend.sqlite").Err()
	}
	// A single connection keeps the in-memory database alive and suits
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendConnect,
			"ping sqlite database").WithOp("backend.sqlite").Err()
	}

	const schema = `CREATE TABLE IF NOT EXISTS resources (
		resource_type TEXT NOT NULL,
		id            TEXT NOT NULL,
		doc           TEXT NOT NULL,
		PRIMARY KEY (resource_type, id)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendConnect,
			"create resources table").WithOp("backend.sqlite").Err()
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Dialect() dialect.Dialect { return dialect.SQLite() }

func (s *SQLiteStore) LoadResource(ctx context.Context, resourceType, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO resources (resource_type, id, doc) VALUES (?, ?, ?)",
		resourceType, id, string(doc))
	if err != nil {
		return fhirerrors.Wrapf(err, fhirerrors.ErrCodeBackendLoad,
			"store %s/%s", resourceType, id).WithOp("backend.sqlite").Err()
	}
	return nil
}

func (s *SQLiteStore) Evaluate(ctx context.Context, query string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendQuery,
			"query failed").WithOp("backend.sqlite").WithField("query", query).Err()
	}
	defer rows.Close()
	return scanRows(rows, "backend.sqlite")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// scanRows reads id/result pairs; shared with the postgres backend.
func scanRows(rows *sql.Rows, op string) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Result); err != nil {
			return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendQuery,
				"scan result row").WithOp(op).Err()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendQuery,
			"iterate result rows").WithOp(op).Err()
	}
	return out, nil
}
