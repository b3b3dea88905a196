package app

import (
	_ "github.com/mattn/go-sqlite3"

	"database/sql"

	"github.com/skyhookml/explain/skyhook"

	"go.uber.org/zap"

	// use deadlock detector mutexes here since deadlocks in database operations
	// will be common
	sync "github.com/sasha-s/go-deadlock"
)

const DbDebug bool = false

type Database struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenDB opens the sqlite database at fname and creates the schema if needed.
func OpenDB(fname string) (*Database, error) {
	sdb, err := sql.Open("sqlite3", fname)
	if err != nil {
		return nil, err
	}
	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, err
	}
	db := &Database{db: sdb}
	for _, q := range schema {
		if _, err := sdb.Exec(q); err != nil {
			sdb.Close()
			return nil, err
		}
	}
	// runs interrupted by a restart will never finish
	db.Exec("UPDATE runs SET state = ?, error = ? WHERE state = ?", StateError, "interrupted", StateRunning)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT,
		path TEXT,
		stage TEXT,
		method TEXT,
		fpn_index INTEGER,
		created TEXT,
		-- 'running', 'done' or 'error'
		state TEXT,
		error TEXT DEFAULT '',
		num_items INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		run_id TEXT REFERENCES runs(id),
		-- 'feature_vector' or 'saliency_map'
		kind TEXT,
		idx INTEGER,
		k TEXT,
		type TEXT,
		shape TEXT,
		data BLOB,
		PRIMARY KEY (run_id, kind, idx)
	)`,
}

func (this *Database) Close() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.db.Close()
}

func (this *Database) debug(op string, q string) {
	if DbDebug {
		skyhook.Logger().Named("db").Debug(op, zap.String("query", q))
	}
}

func (this *Database) Query(q string, args ...interface{}) *Rows {
	this.mu.Lock()
	this.debug("Query", q)
	rows, err := this.db.Query(q, args...)
	if err != nil {
		this.mu.Unlock()
		panic(err)
	}
	return &Rows{this, true, rows}
}

func (this *Database) QueryRow(q string, args ...interface{}) *Row {
	this.mu.Lock()
	this.debug("QueryRow", q)
	row := this.db.QueryRow(q, args...)
	return &Row{this, true, row}
}

func (this *Database) Exec(q string, args ...interface{}) Result {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.debug("Exec", q)
	result, err := this.db.Exec(q, args...)
	checkErr(err)
	return Result{result}
}

// Transaction runs f inside a sql transaction, committing if f returns
// normally and rolling back if it panics.
func (this *Database) Transaction(f func(tx Tx)) {
	this.mu.Lock()
	defer this.mu.Unlock()
	stx, err := this.db.Begin()
	checkErr(err)
	committed := false
	defer func() {
		if !committed {
			stx.Rollback()
		}
	}()
	f(Tx{this, stx})
	checkErr(stx.Commit())
	committed = true
}

type Rows struct {
	db     *Database
	locked bool
	rows   *sql.Rows
}

func (r *Rows) Close() {
	err := r.rows.Close()
	if r.locked {
		r.db.mu.Unlock()
		r.locked = false
	}
	checkErr(err)
}

func (r *Rows) Next() bool {
	hasNext := r.rows.Next()
	if !hasNext && r.locked {
		r.db.mu.Unlock()
		r.locked = false
	}
	return hasNext
}

func (r *Rows) Scan(dest ...interface{}) {
	err := r.rows.Scan(dest...)
	checkErr(err)
}

type Row struct {
	db     *Database
	locked bool
	row    *sql.Row
}

// Scan reports whether a row was found.
func (r *Row) Scan(dest ...interface{}) bool {
	err := r.row.Scan(dest...)
	if r.locked {
		r.db.mu.Unlock()
		r.locked = false
	}
	if err == sql.ErrNoRows {
		return false
	}
	checkErr(err)
	return true
}

type Result struct {
	result sql.Result
}

func (r Result) LastInsertId() int {
	id, err := r.result.LastInsertId()
	checkErr(err)
	return int(id)
}

func (r Result) RowsAffected() int {
	count, err := r.result.RowsAffected()
	checkErr(err)
	return int(count)
}

type Tx struct {
	db *Database
	tx *sql.Tx
}

func (tx Tx) Query(q string, args ...interface{}) *Rows {
	rows, err := tx.tx.Query(q, args...)
	checkErr(err)
	return &Rows{tx.db, false, rows}
}

func (tx Tx) QueryRow(q string, args ...interface{}) *Row {
	row := tx.tx.QueryRow(q, args...)
	return &Row{tx.db, false, row}
}

func (tx Tx) Exec(q string, args ...interface{}) Result {
	result, err := tx.tx.Exec(q, args...)
	checkErr(err)
	return Result{result}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
