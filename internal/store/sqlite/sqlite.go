package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/lobbyrelay/internal/store"
)

const clientColumns = `c.id, c.name, COALESCE(c.connection_id, ''), c.public_ip, c.public_port, c.room_id, c.joined_at`

const roomColumns = `r.id, r.code, r.max_players, r.is_private, r.is_active, r.version, r.created_at`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file, or ":memory:".
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite works best with a single connection; this also keeps an
	// in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== ClientStore implementation ====

// CreateClient inserts a new client.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *store.Client) error {
	if c.Name == "" {
		c.Name = store.DefaultClientName
	}
	query := `
		INSERT INTO clients (id, name, connection_id, public_ip, public_port)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, nullString(c.ConnectionID), c.PublicIP, c.PublicPort)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert client %s: %w", c.ConnectionID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*store.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients c WHERE c.id = ?`
	c, err := scanClient(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapNotFound("client", err)
	}
	return c, nil
}

// GetClientByConnection retrieves a client by transport connection id.
func (s *SQLiteStore) GetClientByConnection(ctx context.Context, connectionID string) (*store.Client, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("client: %w", store.ErrNotFound)
	}
	query := `SELECT ` + clientColumns + ` FROM clients c WHERE c.connection_id = ?`
	c, err := scanClient(s.db.QueryRowContext(ctx, query, connectionID))
	if err != nil {
		return nil, wrapNotFound("client", err)
	}
	return c, nil
}

// ListClients lists all clients.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]*store.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients c ORDER BY c.rowid`
	return s.queryClients(ctx, query)
}

// UpdateClient overwrites name, connection and NAT fields.
func (s *SQLiteStore) UpdateClient(ctx context.Context, c *store.Client) error {
	query := `
		UPDATE clients
		SET name = ?, connection_id = ?, public_ip = ?, public_port = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, c.DisplayName(), nullString(c.ConnectionID), c.PublicIP, c.PublicPort, c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update client %s: %w", c.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("update client: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("client %s: %w", c.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteClient removes a client.
func (s *SQLiteStore) DeleteClient(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// ListClientsInRoom lists the members of a room, oldest joiner first.
func (s *SQLiteStore) ListClientsInRoom(ctx context.Context, code string) ([]*store.Client, error) {
	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		JOIN rooms r ON r.id = c.room_id
		WHERE r.code = ?
		ORDER BY c.joined_at, c.rowid
	`
	return s.queryClients(ctx, query, code)
}

// LastJoinedInRoom returns the most recent joiner of a room.
func (s *SQLiteStore) LastJoinedInRoom(ctx context.Context, code, excludeID string) (*store.Client, error) {
	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		JOIN rooms r ON r.id = c.room_id
		WHERE r.code = ? AND c.id <> ? AND c.joined_at IS NOT NULL
		ORDER BY c.joined_at DESC, c.rowid DESC
		LIMIT 1
	`
	c, err := scanClient(s.db.QueryRowContext(ctx, query, code, excludeID))
	if err != nil {
		return nil, wrapNotFound("last joined client", err)
	}
	return c, nil
}

// ClearConnections empties every connection id.
func (s *SQLiteStore) ClearConnections(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE clients SET connection_id = NULL WHERE connection_id IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("clear connections: %w", err)
	}
	return result.RowsAffected()
}

// DeleteInactiveClients removes clients without a connection id.
func (s *SQLiteStore) DeleteInactiveClients(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE connection_id IS NULL OR connection_id = ''`)
	if err != nil {
		return 0, fmt.Errorf("delete inactive clients: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) queryClients(ctx context.Context, query string, args ...any) ([]*store.Client, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []*store.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}

	return clients, rows.Err()
}

// ==== RoomStore implementation ====

// CreateRoom inserts a room together with its initial members.
func (s *SQLiteStore) CreateRoom(ctx context.Context, r *store.Room) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	query := `
		INSERT INTO rooms (id, code, max_players, is_private, is_active, version, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`
	if _, err := tx.ExecContext(ctx, query, r.ID, r.Code, r.MaxPlayers, r.IsPrivate, r.IsActive, r.CreatedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert room %s: %w", r.Code, store.ErrDuplicate)
		}
		return fmt.Errorf("insert room: %w", err)
	}

	if err := assignMembers(ctx, tx, r); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.Version = 1
	linkMembers(r)
	return nil
}

// GetRoom retrieves a room with its members by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms r WHERE r.id = ?`
	return s.getRoom(ctx, query, id)
}

// GetRoomByCode retrieves a room with its members by code.
func (s *SQLiteStore) GetRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms r WHERE r.code = ?`
	return s.getRoom(ctx, query, code)
}

// GetRoomByMember retrieves the room the client belongs to.
func (s *SQLiteStore) GetRoomByMember(ctx context.Context, clientID string) (*store.Room, error) {
	query := `
		SELECT ` + roomColumns + `
		FROM rooms r
		JOIN clients c ON c.room_id = r.id
		WHERE c.id = ?
	`
	return s.getRoom(ctx, query, clientID)
}

// ListRooms lists all rooms.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms r ORDER BY r.created_at, r.rowid`
	return s.queryRooms(ctx, query)
}

// ListRoomsWithCapacity lists joinable rooms by ascending occupancy.
func (s *SQLiteStore) ListRoomsWithCapacity(ctx context.Context, maxPlayers int, isPrivate bool) ([]*store.Room, error) {
	query := `
		SELECT ` + roomColumns + `
		FROM (
			SELECT rooms.*, rooms.rowid AS seq,
				(SELECT COUNT(*) FROM clients WHERE clients.room_id = rooms.id) AS member_count
			FROM rooms
		) r
		WHERE r.is_private = ?
			AND r.is_active = 1
			AND r.member_count < ?
			AND r.member_count < r.max_players
		ORDER BY r.member_count ASC, r.created_at ASC, r.seq ASC
	`
	return s.queryRooms(ctx, query, isPrivate, maxPlayers)
}

// UpdateRoom persists room fields and membership under the version guard.
func (s *SQLiteStore) UpdateRoom(ctx context.Context, r *store.Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	query := `
		UPDATE rooms
		SET max_players = ?, is_private = ?, is_active = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := tx.ExecContext(ctx, query, r.MaxPlayers, r.IsPrivate, r.IsActive, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("room %s at version %d: %w", r.Code, r.Version, store.ErrStaleVersion)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE clients SET room_id = NULL, joined_at = NULL WHERE room_id = ?`, r.ID); err != nil {
		return fmt.Errorf("detach members: %w", err)
	}
	if err := assignMembers(ctx, tx, r); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.Version++
	linkMembers(r)
	return nil
}

// DeleteRoom removes a room.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// DeleteEmptyRooms removes rooms without members. Each delete is guarded by
// the version observed in the scan so a concurrent join wins.
func (s *SQLiteStore) DeleteEmptyRooms(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.version
		FROM rooms r
		WHERE NOT EXISTS (SELECT 1 FROM clients c WHERE c.room_id = r.id)
	`)
	if err != nil {
		return 0, fmt.Errorf("query empty rooms: %w", err)
	}

	type candidate struct {
		id      string
		version int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan empty room: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var deleted int64
	for _, c := range candidates {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM rooms
			WHERE id = ? AND version = ?
				AND NOT EXISTS (SELECT 1 FROM clients WHERE clients.room_id = rooms.id)
		`, c.id, c.version)
		if err != nil {
			return deleted, fmt.Errorf("delete room %s: %w", c.id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("get rows affected: %w", err)
		}
		deleted += n
	}

	return deleted, nil
}

func (s *SQLiteStore) getRoom(ctx context.Context, query string, arg any) (*store.Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, wrapNotFound("room", err)
	}
	if err := s.attachMembers(ctx, []*store.Room{room}); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *SQLiteStore) queryRooms(ctx context.Context, query string, args ...any) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}

	var rooms []*store.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The single pooled connection must be released before loading members.
	rows.Close()

	if err := s.attachMembers(ctx, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *SQLiteStore) attachMembers(ctx context.Context, rooms []*store.Room) error {
	if len(rooms) == 0 {
		return nil
	}

	byID := make(map[string]*store.Room, len(rooms))
	args := make([]any, 0, len(rooms))
	for _, r := range rooms {
		r.Members = []*store.Client{}
		byID[r.ID] = r
		args = append(args, r.ID)
	}

	query := `
		SELECT ` + clientColumns + `
		FROM clients c
		WHERE c.room_id IN (` + placeholders(len(args)) + `)
		ORDER BY c.joined_at, c.rowid
	`
	members, err := s.queryClients(ctx, query, args...)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.RoomID == nil {
			continue
		}
		if r, ok := byID[*m.RoomID]; ok {
			r.Members = append(r.Members, m)
		}
	}
	return nil
}

func assignMembers(ctx context.Context, tx *sql.Tx, r *store.Room) error {
	for _, m := range r.Members {
		if _, err := tx.ExecContext(ctx,
			`UPDATE clients SET room_id = ?, joined_at = ? WHERE id = ?`,
			r.ID, utcTime(m.JoinedAt), m.ID,
		); err != nil {
			return fmt.Errorf("assign member %s: %w", m.ID, err)
		}
	}
	return nil
}

func linkMembers(r *store.Room) {
	for _, m := range r.Members {
		id := r.ID
		m.RoomID = &id
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*store.Client, error) {
	var (
		c        store.Client
		ip       sql.NullString
		port     sql.NullInt64
		roomID   sql.NullString
		joinedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &c.ConnectionID, &ip, &port, &roomID, &joinedAt); err != nil {
		return nil, err
	}

	if ip.Valid {
		c.PublicIP = &ip.String
	}
	if port.Valid {
		p := int(port.Int64)
		c.PublicPort = &p
	}
	if roomID.Valid {
		c.RoomID = &roomID.String
	}
	if joinedAt.Valid {
		t := joinedAt.Time.UTC()
		c.JoinedAt = &t
	}
	return &c, nil
}

func scanRoom(row rowScanner) (*store.Room, error) {
	var r store.Room
	if err := row.Scan(&r.ID, &r.Code, &r.MaxPlayers, &r.IsPrivate, &r.IsActive, &r.Version, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func wrapNotFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
