package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type dialect struct {
	name string
	// timestampParam is the placeholder expression for a timestamp parameter
	// that the server cannot type from context (INSERT ... SELECT lists).
	timestampParam string
	migrations     []migration
	dsn            func(Config) (string, error)
}

var dialects = map[string]*dialect{
	DriverPostgres: {
		name:           DriverPostgres,
		timestampParam: "CAST(? AS TIMESTAMPTZ)",
		migrations:     postgresMigrations,
		dsn:            func(cfg Config) (string, error) { return cfg.DSN, nil },
	},
	DriverMySQL: {
		name:           DriverMySQL,
		timestampParam: "?",
		migrations:     mysqlMigrations,
		dsn:            mysqlDSN,
	},
	DriverSQLite: {
		name:           DriverSQLite,
		timestampParam: "?",
		migrations:     sqliteMigrations,
		dsn:            sqliteDSN,
	},
}

func lookupDialect(driver string) (*dialect, error) {
	if driver == "" {
		driver = DriverPostgres
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// mysqlDSN forces parseTime and UTC so DATETIME columns scan into time.Time.
func mysqlDSN(cfg Config) (string, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return "", err
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN(), nil
}

// sqlitePragmas are the connection settings the store relies on, keyed by
// the parameter name and its go-sqlite3 alias. _txlock=immediate takes the
// write lock at BEGIN, which serializes writers.
var sqlitePragmas = []struct {
	key, alias string
	value      func(Config) string
}{
	{"_busy_timeout", "_timeout", func(cfg Config) string { return strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10) }},
	{"_journal_mode", "_journal", func(Config) string { return "WAL" }},
	{"_synchronous", "_sync", func(Config) string { return "NORMAL" }},
	{"_foreign_keys", "_fk", func(Config) string { return "ON" }},
	{"_txlock", "_txlock", func(Config) string { return "immediate" }},
}

// sqliteDSN turns a path or file: URI into a URI carrying the store's
// pragmas. Parameters the caller set, such as cache=shared, are kept and win
// over the defaults.
func sqliteDSN(cfg Config) (string, error) {
	path, rawQuery, _ := strings.Cut(strings.TrimPrefix(cfg.DSN, "file:"), "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("parse sqlite dsn parameters: %w", err)
	}
	for _, p := range sqlitePragmas {
		if query.Has(p.key) || query.Has(p.alias) {
			continue
		}
		query.Set(p.key, p.value(cfg))
	}
	return "file:" + path + "?" + query.Encode(), nil
}
