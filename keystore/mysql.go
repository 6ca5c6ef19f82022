package keystore

import (
	"log"
	"strings"

	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

var mysqlQueries = queries{
	count:   `SELECT count(*) FROM keystore WHERE storename = ? AND uuid = ? AND tag = ?`,
	insert:  `INSERT INTO keystore (storename, uuid, tag, location, inserted) VALUES (?, ?, ?, ?, ?)`,
	get:     `SELECT location, inserted FROM keystore WHERE storename = ? AND uuid = ? AND tag = ? LIMIT 1`,
	remove:  `DELETE FROM keystore WHERE storename = ? AND uuid = ? AND tag = ?`,
	forUUID: `SELECT tag, location, inserted FROM keystore WHERE storename = ? AND uuid = ? ORDER BY tag`,
	oldest:  `SELECT uuid, tag, location, inserted FROM keystore WHERE storename = ? ORDER BY inserted, id`,
	holding: `SELECT storename FROM keystore WHERE uuid = ? AND tag = ?`,
}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
	mysqlschema2,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMySQL connects to the MySQL database described by dial, bringing its
// schema up to date first. parseTime is turned on if dial does not set it.
func NewMySQL(dial string) (*SQL, error) {
	if !strings.Contains(dial, "parseTime") {
		if strings.Contains(dial, "?") {
			dial += "&parseTime=true"
		} else {
			dial += "?parseTime=true"
		}
	}
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Println("Open Mysql", err)
		return nil, err
	}
	s := newSQL(db, mysqlQueries)
	s.isDuplicate = isMySQLDuplicate
	return s, nil
}

// MySQL error 1062 is ER_DUP_ENTRY, raised by the unique key when two
// writers race past the count check.
func isMySQLDuplicate(err error) bool {
	e, ok := err.(*mysql.MySQLError)
	return ok && e.Number == 1062
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS keystore (
			id int PRIMARY KEY AUTO_INCREMENT,
			storename varchar(255),
			uuid char(36),
			tag varchar(64),
			location varchar(1024),
			inserted datetime(6),
			UNIQUE INDEX keystore_triple (storename, uuid, tag)
		)`,
		`CREATE INDEX keystore_uuid ON keystore (uuid, tag)`,
	}
	return execlist(tx, s)
}

func mysqlschema2(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE INDEX keystore_inserted ON keystore (storename, inserted)`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}

// dbVersion adapts the schema version bookkeeping of
// github.com/BurntSushi/migration to a particular database.
type dbVersion struct {
	GetSQL    string // one row, one column: the current version
	SetSQL    string // takes the new version as its one parameter
	CreateSQL string // makes the version table
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	var version int
	if err := tx.QueryRow(d.GetSQL).Scan(&version); err != nil {
		// assume the error means there is no version table yet
		log.Println("keystore schema version:", err)
		return 0, nil
	}
	return version, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if _, err := tx.Exec(d.SetSQL, version); err == nil {
		return nil
	}
	if _, err := tx.Exec(d.CreateSQL); err != nil {
		return err
	}
	_, err := tx.Exec(d.SetSQL, version)
	return err
}
