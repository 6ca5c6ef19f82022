package keystore

import (
	"database/sql"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

// SQL is an Index kept in a relational database. Use NewQL for an embedded
// database during development, and NewMySQL in production.
type SQL struct {
	// Clock stamps new entries.
	Clock clock.Clock

	db *sql.DB
	q  queries
	// isDuplicate recognizes the driver's unique key violation, if any.
	isDuplicate func(error) bool
}

var _ Index = &SQL{}

// queries holds the dialect specific statements. Each takes its arguments
// in the order (storename, uuid, tag, location, inserted) minus whatever it
// does not need.
type queries struct {
	count   string
	insert  string
	get     string
	remove  string
	forUUID string
	oldest  string
	holding string
}

// inTx runs f inside a transaction, committing if it returns nil.
func (s *SQL) inTx(f func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	err = f(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQL) Put(store, uuid, tag, location string) error {
	now := s.Clock.Now().UTC()
	err := s.inTx(func(tx *sql.Tx) error {
		var n int64
		err := tx.QueryRow(s.q.count, store, uuid, tag).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.Exec(s.q.insert, store, uuid, tag, location, now)
		return err
	})
	if err != nil && err != ErrAlreadyExists {
		if s.isDuplicate != nil && s.isDuplicate(err) {
			return ErrAlreadyExists
		}
		return errors.Wrap(err, "keystore put")
	}
	return err
}

func (s *SQL) Get(store, uuid, tag string) (Entry, error) {
	e := Entry{Store: store, UUID: uuid, Tag: tag}
	err := s.db.QueryRow(s.q.get, store, uuid, tag).Scan(&e.Location, &e.Inserted)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, errors.Wrap(err, "keystore get")
	}
	return e, nil
}

func (s *SQL) Exists(store, uuid, tag string) (bool, error) {
	var n int64
	err := s.db.QueryRow(s.q.count, store, uuid, tag).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "keystore exists")
	}
	return n > 0, nil
}

func (s *SQL) Remove(store, uuid, tag string) error {
	err := s.inTx(func(tx *sql.Tx) error {
		var n int64
		err := tx.QueryRow(s.q.count, store, uuid, tag).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(s.q.remove, store, uuid, tag)
		return err
	})
	if err != nil && err != ErrNotFound {
		return errors.Wrap(err, "keystore remove")
	}
	return err
}

func (s *SQL) EntriesForUUID(store, uuid string) ([]Entry, error) {
	rows, err := s.db.Query(s.q.forUUID, store, uuid)
	if err != nil {
		return nil, errors.Wrap(err, "keystore entries")
	}
	defer rows.Close()
	var result []Entry
	for rows.Next() {
		e := Entry{Store: store, UUID: uuid}
		if err := rows.Scan(&e.Tag, &e.Location, &e.Inserted); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQL) Oldest(store string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(s.q.oldest, store)
	if err != nil {
		return nil, errors.Wrap(err, "keystore oldest")
	}
	defer rows.Close()
	var result []Entry
	for rows.Next() {
		if limit > 0 && len(result) == limit {
			break
		}
		e := Entry{Store: store}
		if err := rows.Scan(&e.UUID, &e.Tag, &e.Location, &e.Inserted); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQL) StoresHolding(uuid, tag string) ([]string, error) {
	rows, err := s.db.Query(s.q.holding, uuid, tag)
	if err != nil {
		return nil, errors.Wrap(err, "keystore holding")
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result = append(result, name)
	}
	return result, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func newSQL(db *sql.DB, q queries) *SQL {
	return &SQL{Clock: clock.New(), db: db, q: q}
}

