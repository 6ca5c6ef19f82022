package keystore

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/cznic/ql/driver"
)

// This file holds the QL flavor of the SQL index. QL is an embedded
// database, and is intended for development and tests.

const qlInit = `
	CREATE TABLE IF NOT EXISTS keystore (
		storename string,
		uuid string,
		tag string,
		location string,
		inserted time
	);
	CREATE INDEX IF NOT EXISTS keystoreuuid ON keystore (uuid);
	CREATE INDEX IF NOT EXISTS keystoreinserted ON keystore (inserted);
`

var qlQueries = queries{
	count:   `SELECT count(*) FROM keystore WHERE storename == ?1 AND uuid == ?2 AND tag == ?3`,
	insert:  `INSERT INTO keystore VALUES (?1, ?2, ?3, ?4, ?5)`,
	get:     `SELECT location, inserted FROM keystore WHERE storename == ?1 AND uuid == ?2 AND tag == ?3 LIMIT 1`,
	remove:  `DELETE FROM keystore WHERE storename == ?1 AND uuid == ?2 AND tag == ?3`,
	forUUID: `SELECT tag, location, inserted FROM keystore WHERE storename == ?1 AND uuid == ?2 ORDER BY tag`,
	oldest:  `SELECT uuid, tag, location, inserted FROM keystore WHERE storename == ?1 ORDER BY inserted`,
	holding: `SELECT storename FROM keystore WHERE uuid == ?1 AND tag == ?2`,
}

// every "memory" index gets its own database
var qlMemCount int64

// NewQL opens a QL index saved in filename. The filename "memory" keeps
// everything in memory.
func NewQL(filename string) (*SQL, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		name := fmt.Sprintf("keystore%d.db", atomic.AddInt64(&qlMemCount, 1))
		db, err = sql.Open("ql-mem", name)
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err != nil {
		return nil, err
	}
	// QL serializes writers anyway, and one connection keeps its
	// transactions simple
	db.SetMaxOpenConns(1)
	s := newSQL(db, qlQueries)
	err = s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(qlInit)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
