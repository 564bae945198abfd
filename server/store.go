package main

import (
	"database/sql"
	_ "embed"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-martini/martini"
	_ "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"
	log "github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// store serializes all database work behind a single mutex,
// matching sqlite's single-writer model.
type store struct {
	db *sql.DB
	mu sync.Mutex
}

func setupDB(path string) *sql.DB {
	meddler.Default = meddler.SQLite

	options :=
		"?" + "mode=rwc" +
			"&" + "_busy_timeout=10000" +
			"&" + "_cache_size=-20000" +
			"&" + "_foreign_keys=ON" +
			"&" + "_journal_mode=WAL" +
			"&" + "_synchronous=NORMAL" +
			"&" + "_temp_store=MEMORY"
	db, err := sql.Open("sqlite3", "file:"+path+options)
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	if err := migrateDB(db); err != nil {
		log.Fatalf("error creating schema: %v", err)
	}

	return db
}

func migrateDB(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Tx runs fn inside a transaction, committing if it returns nil.
func (s *store) Tx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("db error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("db error rolling back transaction: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db error committing transaction: %w", err)
	}
	return nil
}

// requestTx is the transaction for a single request.
// Handlers with slow work after their writes call Commit early,
// which also releases the database lock for other requests.
type requestTx struct {
	tx     *sql.Tx
	unlock func()
	done   bool
}

func (t *requestTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Commit()
	t.unlock()
	return err
}

// withTx is martini middleware that wraps the rest of the chain in a transaction.
// The transaction commits if the response status is below 400.
func (s *store) withTx(c martini.Context, r *http.Request, w http.ResponseWriter) {
	s.mu.Lock()
	var once sync.Once
	unlock := func() { once.Do(s.mu.Unlock) }
	defer unlock()

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if elapsed > 500*time.Millisecond {
			switch {
			case elapsed < time.Second:
				elapsed -= elapsed % time.Millisecond
			case elapsed < 10*time.Second:
				elapsed -= elapsed % (10 * time.Millisecond)
			default:
				elapsed -= elapsed % (100 * time.Millisecond)
			}
			log.Printf("transaction took %v, req was %s", elapsed, r.RequestURI)
		}
	}()
	tx, err := s.db.Begin()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error starting transaction: %v", err)
		return
	}
	rtx := &requestTx{tx: tx, unlock: unlock}

	// pass it on to the main handler
	c.Map(tx)
	c.Map(rtx)
	c.Next()

	if rtx.done {
		return
	}
	rtx.done = true
	rw := w.(martini.ResponseWriter)
	if rw.Status() < http.StatusBadRequest {
		if err := tx.Commit(); err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error committing transaction: %v", err)
			return
		}
	} else {
		if err := tx.Rollback(); err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error rolling back transaction: %v", err)
			return
		}
	}
}
