package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlite (directory registry).
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled conn would get its own empty memory db
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS operators (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operator_id INTEGER NOT NULL REFERENCES operators(id),
			token TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS peers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL UNIQUE,
			pub_key BLOB NOT NULL,
			cert BLOB,
			addr TEXT,
			last_seen_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS relays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			addr TEXT NOT NULL,
			pub_key BLOB NOT NULL,
			active_pairs INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			relay_id TEXT NOT NULL UNIQUE,
			relay_name TEXT NOT NULL,
			from_user TEXT NOT NULL,
			to_user TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_token ON tokens(token);
		CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Operator: admin API login.
type Operator struct {
	ID           int64
	Login        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateOperator inserts operator; err if login exists.
func (db *DB) CreateOperator(login, passwordHash string) (int64, error) {
	res, err := db.Exec("INSERT INTO operators (login, password_hash, created_at) VALUES (?, ?, ?)", login, passwordHash, now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// OperatorByLogin returns operator by login or nil.
func (db *DB) OperatorByLogin(login string) (*Operator, error) {
	var o Operator
	var t string
	err := db.QueryRow("SELECT id, login, password_hash, created_at FROM operators WHERE login = ?", login).Scan(&o.ID, &o.Login, &o.PasswordHash, &t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, t)
	return &o, nil
}

// OperatorByID returns operator by id or nil.
func (db *DB) OperatorByID(id int64) (*Operator, error) {
	var o Operator
	var t string
	err := db.QueryRow("SELECT id, login, password_hash, created_at FROM operators WHERE id = ?", id).Scan(&o.ID, &o.Login, &o.PasswordHash, &t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, t)
	return &o, nil
}

// UpdateOperatorPassword sets password hash.
func (db *DB) UpdateOperatorPassword(id int64, passwordHash string) error {
	_, err := db.Exec("UPDATE operators SET password_hash = ? WHERE id = ?", passwordHash, id)
	return err
}

// CountOperators number of operators (first-run bootstrap).
func (db *DB) CountOperators() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM operators").Scan(&n)
	return n, err
}

// CreateToken inserts token for operator, returns token str.
func (db *DB) CreateToken(operatorID int64) (string, error) {
	tok, err := randToken()
	if err != nil {
		return "", err
	}
	_, err = db.Exec("INSERT INTO tokens (operator_id, token, created_at) VALUES (?, ?, ?)", operatorID, tok, now())
	if err != nil {
		return "", err
	}
	return tok, nil
}

// ReplaceToken deletes operator tokens, creates one new.
func (db *DB) ReplaceToken(operatorID int64) (string, error) {
	if _, err := db.Exec("DELETE FROM tokens WHERE operator_id = ?", operatorID); err != nil {
		return "", err
	}
	return db.CreateToken(operatorID)
}

// OperatorIDByToken returns operator id for token; 0, false if invalid.
func (db *DB) OperatorIDByToken(token string) (int64, bool) {
	var id int64
	err := db.QueryRow("SELECT operator_id FROM tokens WHERE token = ?", token).Scan(&id)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Peer: a registered user id and the public key others encrypt the hello to.
type Peer struct {
	ID         int64
	UserID     string
	PubKey     []byte
	Cert       []byte
	Addr       string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// UpsertPeer insert/update by user_id. Keys are replaced on every registration.
func (db *DB) UpsertPeer(userID string, pubKey, cert []byte, addr string) error {
	ts := now()
	_, err := db.Exec(`INSERT INTO peers (user_id, pub_key, cert, addr, last_seen_at, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET pub_key=excluded.pub_key, cert=excluded.cert, addr=excluded.addr, last_seen_at=excluded.last_seen_at`,
		userID, pubKey, cert, addr, ts, ts)
	return err
}

// TouchPeer updates last_seen (heartbeat).
func (db *DB) TouchPeer(userID string) error {
	_, err := db.Exec("UPDATE peers SET last_seen_at = ? WHERE user_id = ?", now(), userID)
	return err
}

const peerCols = "id, user_id, pub_key, cert, COALESCE(addr, ''), last_seen_at, created_at"

func scanPeer(sc interface{ Scan(...interface{}) error }) (*Peer, error) {
	var p Peer
	var seen sql.NullString
	var created string
	if err := sc.Scan(&p.ID, &p.UserID, &p.PubKey, &p.Cert, &p.Addr, &seen, &created); err != nil {
		return nil, err
	}
	p.LastSeenAt = parseTime(seen)
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &p, nil
}

// PeerByUserID returns peer or nil.
func (db *DB) PeerByUserID(userID string) (*Peer, error) {
	p, err := scanPeer(db.QueryRow("SELECT "+peerCols+" FROM peers WHERE user_id = ?", userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPeers ordered by user id.
func (db *DB) ListPeers() ([]Peer, error) {
	rows, err := db.Query("SELECT " + peerCols + " FROM peers ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// DeletePeer removes peer; err if not found.
func (db *DB) DeletePeer(userID string) error {
	res, err := db.Exec("DELETE FROM peers WHERE user_id = ?", userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("peer not found")
	}
	return nil
}

// Relay: a relay server the directory can hand out.
type Relay struct {
	ID          int64
	Name        string
	Addr        string
	PubKey      []byte
	ActivePairs int
	LastSeenAt  *time.Time
	CreatedAt   time.Time
}

// UpsertRelay insert/update by name (relay announce).
func (db *DB) UpsertRelay(name, addr string, pubKey []byte, activePairs int) error {
	ts := now()
	_, err := db.Exec(`INSERT INTO relays (name, addr, pub_key, active_pairs, last_seen_at, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET addr=excluded.addr, pub_key=excluded.pub_key, active_pairs=excluded.active_pairs, last_seen_at=excluded.last_seen_at`,
		name, addr, pubKey, activePairs, ts, ts)
	return err
}

// ListRelays returns all relays.
func (db *DB) ListRelays() ([]Relay, error) {
	rows, err := db.Query("SELECT id, name, addr, pub_key, active_pairs, last_seen_at, created_at FROM relays ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Relay
	for rows.Next() {
		var r Relay
		var seen sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.Name, &r.Addr, &r.PubKey, &r.ActivePairs, &seen, &created); err != nil {
			return nil, err
		}
		r.LastSeenAt = parseTime(seen)
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		list = append(list, r)
	}
	return list, rows.Err()
}

// DeleteRelay removes relay; err if not found.
func (db *DB) DeleteRelay(name string) error {
	res, err := db.Exec("DELETE FROM relays WHERE name = ?", name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("relay not found")
	}
	return nil
}

// Session: one brokered relay allocation.
type Session struct {
	ID        int64
	RelayID   string
	RelayName string
	FromUser  string
	ToUser    string
	CreatedAt time.Time
}

// RecordSession logs an allocation.
func (db *DB) RecordSession(relayID, relayName, from, to string) error {
	_, err := db.Exec("INSERT INTO sessions (relay_id, relay_name, from_user, to_user, created_at) VALUES (?, ?, ?, ?, ?)",
		relayID, relayName, from, to, now())
	return err
}

// RecentSessions newest first.
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	rows, err := db.Query("SELECT id, relay_id, relay_name, from_user, to_user, created_at FROM sessions ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Session
	for rows.Next() {
		var s Session
		var t string
		if err := rows.Scan(&s.ID, &s.RelayID, &s.RelayName, &s.FromUser, &s.ToUser, &t); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, t)
		list = append(list, s)
	}
	return list, rows.Err()
}
