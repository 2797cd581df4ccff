package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vovakirdan/lobbyrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	max_players INTEGER NOT NULL,
	is_private  BOOLEAN NOT NULL DEFAULT FALSE,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	version     BIGINT NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT 'Guest',
	connection_id TEXT UNIQUE,
	public_ip     TEXT,
	public_port   INTEGER,
	room_id       TEXT REFERENCES rooms(id) ON DELETE SET NULL,
	joined_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_clients_room ON clients(room_id, joined_at);
`

const clientColumns = `c.id, c.name, COALESCE(c.connection_id, ''), c.public_ip, c.public_port, c.room_id, c.joined_at`

const roomColumns = `r.id, r.code, r.max_players, r.is_private, r.is_active, r.version, r.created_at`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements store.Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New connects to postgres and applies the schema.
func New(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// ==== ClientStore implementation ====

// CreateClient inserts a new client.
func (p *PostgresStore) CreateClient(ctx context.Context, c *store.Client) error {
	if c.Name == "" {
		c.Name = store.DefaultClientName
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO clients (id, name, connection_id, public_ip, public_port)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Name, nullString(c.ConnectionID), c.PublicIP, c.PublicPort)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert client %s: %w", c.ConnectionID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (p *PostgresStore) GetClient(ctx context.Context, id string) (*store.Client, error) {
	c, err := scanClient(p.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients c WHERE c.id = $1`, id))
	if err != nil {
		return nil, wrapNotFound("client", err)
	}
	return c, nil
}

// GetClientByConnection retrieves a client by transport connection id.
func (p *PostgresStore) GetClientByConnection(ctx context.Context, connectionID string) (*store.Client, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("client: %w", store.ErrNotFound)
	}
	c, err := scanClient(p.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients c WHERE c.connection_id = $1`, connectionID))
	if err != nil {
		return nil, wrapNotFound("client", err)
	}
	return c, nil
}

// ListClients lists all clients.
func (p *PostgresStore) ListClients(ctx context.Context) ([]*store.Client, error) {
	return p.queryClients(ctx, `SELECT `+clientColumns+` FROM clients c ORDER BY c.id`)
}

// UpdateClient overwrites name, connection and NAT fields.
func (p *PostgresStore) UpdateClient(ctx context.Context, c *store.Client) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE clients
		SET name = $1, connection_id = $2, public_ip = $3, public_port = $4
		WHERE id = $5
	`, c.DisplayName(), nullString(c.ConnectionID), c.PublicIP, c.PublicPort, c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update client %s: %w", c.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("client %s: %w", c.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteClient removes a client.
func (p *PostgresStore) DeleteClient(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// ListClientsInRoom lists the members of a room, oldest joiner first.
func (p *PostgresStore) ListClientsInRoom(ctx context.Context, code string) ([]*store.Client, error) {
	return p.queryClients(ctx, `
		SELECT `+clientColumns+`
		FROM clients c
		JOIN rooms r ON r.id = c.room_id
		WHERE r.code = $1
		ORDER BY c.joined_at NULLS FIRST, c.id
	`, code)
}

// LastJoinedInRoom returns the most recent joiner of a room.
func (p *PostgresStore) LastJoinedInRoom(ctx context.Context, code, excludeID string) (*store.Client, error) {
	c, err := scanClient(p.pool.QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients c
		JOIN rooms r ON r.id = c.room_id
		WHERE r.code = $1 AND c.id <> $2 AND c.joined_at IS NOT NULL
		ORDER BY c.joined_at DESC, c.id DESC
		LIMIT 1
	`, code, excludeID))
	if err != nil {
		return nil, wrapNotFound("last joined client", err)
	}
	return c, nil
}

// ClearConnections empties every connection id.
func (p *PostgresStore) ClearConnections(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE clients SET connection_id = NULL WHERE connection_id IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("clear connections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteInactiveClients removes clients without a connection id.
func (p *PostgresStore) DeleteInactiveClients(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM clients WHERE connection_id IS NULL OR connection_id = ''`)
	if err != nil {
		return 0, fmt.Errorf("delete inactive clients: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) queryClients(ctx context.Context, query string, args ...any) ([]*store.Client, error) {
	rows, err := p.pool.Query(ctx, query, args...)
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
func (p *PostgresStore) CreateRoom(ctx context.Context, r *store.Room) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, code, max_players, is_private, is_active, version, created_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6)
		`, r.ID, r.Code, r.MaxPlayers, r.IsPrivate, r.IsActive, r.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert room %s: %w", r.Code, store.ErrDuplicate)
			}
			return fmt.Errorf("insert room: %w", err)
		}
		return assignMembers(ctx, tx, r)
	})
	if err != nil {
		return err
	}

	r.Version = 1
	linkMembers(r)
	return nil
}

// GetRoom retrieves a room with its members by ID.
func (p *PostgresStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	return p.getRoom(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`, id)
}

// GetRoomByCode retrieves a room with its members by code.
func (p *PostgresStore) GetRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	return p.getRoom(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.code = $1`, code)
}

// GetRoomByMember retrieves the room the client belongs to.
func (p *PostgresStore) GetRoomByMember(ctx context.Context, clientID string) (*store.Room, error) {
	return p.getRoom(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		JOIN clients c ON c.room_id = r.id
		WHERE c.id = $1
	`, clientID)
}

// ListRooms lists all rooms.
func (p *PostgresStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	return p.queryRooms(ctx, `SELECT `+roomColumns+` FROM rooms r ORDER BY r.created_at, r.id`)
}

// ListRoomsWithCapacity lists joinable rooms by ascending occupancy.
func (p *PostgresStore) ListRoomsWithCapacity(ctx context.Context, maxPlayers int, isPrivate bool) ([]*store.Room, error) {
	return p.queryRooms(ctx, `
		SELECT `+roomColumns+`
		FROM (
			SELECT rooms.*,
				(SELECT COUNT(*) FROM clients WHERE clients.room_id = rooms.id) AS member_count
			FROM rooms
		) r
		WHERE r.is_private = $1
			AND r.is_active
			AND r.member_count < $2
			AND r.member_count < r.max_players
		ORDER BY r.member_count ASC, r.created_at ASC, r.id ASC
	`, isPrivate, maxPlayers)
}

// UpdateRoom persists room fields and membership under the version guard.
func (p *PostgresStore) UpdateRoom(ctx context.Context, r *store.Room) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rooms
			SET max_players = $1, is_private = $2, is_active = $3, version = version + 1
			WHERE id = $4 AND version = $5
		`, r.MaxPlayers, r.IsPrivate, r.IsActive, r.ID, r.Version)
		if err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("room %s at version %d: %w", r.Code, r.Version, store.ErrStaleVersion)
		}

		if _, err := tx.Exec(ctx, `UPDATE clients SET room_id = NULL, joined_at = NULL WHERE room_id = $1`, r.ID); err != nil {
			return fmt.Errorf("detach members: %w", err)
		}
		return assignMembers(ctx, tx, r)
	})
	if err != nil {
		return err
	}

	r.Version++
	linkMembers(r)
	return nil
}

// DeleteRoom removes a room.
func (p *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// DeleteEmptyRooms removes rooms without members. The version predicate is
// re-evaluated against a concurrently updated row, so a join that commits
// first keeps its room.
func (p *PostgresStore) DeleteEmptyRooms(ctx context.Context) (int64, error) {
	rows, err := p.pool.Query(ctx, `
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
	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (candidate, error) {
		var c candidate
		err := row.Scan(&c.id, &c.version)
		return c, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan empty rooms: %w", err)
	}

	var deleted int64
	for _, c := range candidates {
		tag, err := p.pool.Exec(ctx, `
			DELETE FROM rooms
			WHERE id = $1 AND version = $2
				AND NOT EXISTS (SELECT 1 FROM clients WHERE clients.room_id = rooms.id)
		`, c.id, c.version)
		if err != nil {
			return deleted, fmt.Errorf("delete room %s: %w", c.id, err)
		}
		deleted += tag.RowsAffected()
	}
	return deleted, nil
}

func (p *PostgresStore) getRoom(ctx context.Context, query string, arg any) (*store.Room, error) {
	room, err := scanRoom(p.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, wrapNotFound("room", err)
	}
	if err := p.attachMembers(ctx, []*store.Room{room}); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *PostgresStore) queryRooms(ctx context.Context, query string, args ...any) ([]*store.Room, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.Room, error) {
		return scanRoom(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan room: %w", err)
	}

	if err := p.attachMembers(ctx, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *PostgresStore) attachMembers(ctx context.Context, rooms []*store.Room) error {
	if len(rooms) == 0 {
		return nil
	}

	byID := make(map[string]*store.Room, len(rooms))
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		r.Members = []*store.Client{}
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	members, err := p.queryClients(ctx, `
		SELECT `+clientColumns+`
		FROM clients c
		WHERE c.room_id = ANY($1)
		ORDER BY c.joined_at NULLS FIRST, c.id
	`, ids)
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

func assignMembers(ctx context.Context, tx pgx.Tx, r *store.Room) error {
	for _, m := range r.Members {
		if _, err := tx.Exec(ctx,
			`UPDATE clients SET room_id = $1, joined_at = $2 WHERE id = $3`,
			r.ID, m.JoinedAt, m.ID,
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

func scanClient(row pgx.Row) (*store.Client, error) {
	var (
		c        store.Client
		port     *int32
		joinedAt *time.Time
	)
	if err := row.Scan(&c.ID, &c.Name, &c.ConnectionID, &c.PublicIP, &port, &c.RoomID, &joinedAt); err != nil {
		return nil, err
	}
	if port != nil {
		v := int(*port)
		c.PublicPort = &v
	}
	if joinedAt != nil {
		t := joinedAt.UTC()
		c.JoinedAt = &t
	}
	return &c, nil
}

func scanRoom(row pgx.Row) (*store.Room, error) {
	var r store.Room
	if err := row.Scan(&r.ID, &r.Code, &r.MaxPlayers, &r.IsPrivate, &r.IsActive, &r.Version, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func wrapNotFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
