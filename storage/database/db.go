// Package database opens and migrates the backend's postgres database.
package database

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/trezcool/goose"

	"github.com/trezcool/masomo-offline/core"
)

// Migrations holds the goose migrations, under MigrationsDir.
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

var gooseRunFunc = goose.RunFS // mockable

func open(dbName string, admin bool, conf *core.Config) (*sqlx.DB, error) {
	user := url.UserPassword(conf.Database.User, conf.Database.Password)
	if admin && conf.Database.AdminUser != "" {
		user = url.UserPassword(conf.Database.AdminUser, conf.Database.AdminPassword)
	}

	sslMode := "require"
	if conf.Database.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   conf.Database.Engine,
		User:     user,
		Host:     conf.Database.Address(),
		Path:     dbName,
		RawQuery: q.Encode(),
	}
	return sqlx.Open(conf.Database.Engine, u.String())
}

func Open(conf *core.Config) (*sqlx.DB, error) {
	return open(conf.Database.Name, false, conf)
}

// OpenURL opens the database at a postgres:// URL (eg. DATABASE_URL).
func OpenURL(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	return db, errors.Wrap(ping(db.DB), "pinging database")
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sql.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// exists reports whether the query, run with arg, selects a row.
func exists(db *sqlx.DB, query, arg string) (bool, error) {
	var found bool
	err := db.Get(&found, query, arg)
	return found, err
}

func createAppUser(db *sqlx.DB, conf *core.Config) error {
	if conf.Database.User == "" {
		return nil
	}

	found, err := exists(db, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", conf.Database.User)
	if err != nil {
		return errors.Wrap(err, "checking app user")
	}
	if found {
		return nil
	}

	// CREATE USER takes no bind parameters
	q := fmt.Sprintf(
		"CREATE USER %s CREATEDB ENCRYPTED PASSWORD %s",
		pq.QuoteIdentifier(conf.Database.User), pq.QuoteLiteral(conf.Database.Password),
	)
	_, err = db.Exec(q)
	return errors.Wrap(err, "creating app user")
}

func createDB(db *sqlx.DB, conf *core.Config) error {
	found, err := exists(db, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", conf.Database.Name)
	if err != nil {
		return errors.Wrap(err, "checking DB")
	}
	if found {
		return nil
	}
	_, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(conf.Database.Name))
	return errors.Wrap(err, "creating database")
}

// CreateIfNotExist creates the app user (as admin) then the app database (as the app user).
func CreateIfNotExist(conf *core.Config) error {
	adminDB, err := open("postgres", true, conf)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer func() { _ = adminDB.Close() }()

	if err = ping(adminDB.DB); err != nil {
		return errors.Wrap(err, "pinging database")
	}
	if err = createAppUser(adminDB, conf); err != nil {
		return err
	}

	appDB, err := open("postgres", false, conf)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer func() { _ = appDB.Close() }()
	return createDB(appDB, conf)
}

// Migrate runs the goose command (up, down, status, redo...) on the migrations.
func Migrate(db *sql.DB, command string, args ...string) error {
	if err := gooseRunFunc(command, db, Migrations, MigrationsDir, args...); err != nil {
		return errors.Wrapf(err, "migrating database (%s)", command)
	}
	return nil
}
