package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	max_players INTEGER NOT NULL,
	is_private  BOOLEAN NOT NULL DEFAULT 0,
	is_active   BOOLEAN NOT NULL DEFAULT 1,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT 'Guest',
	connection_id TEXT UNIQUE,
	public_ip     TEXT,
	public_port   INTEGER,
	room_id       TEXT REFERENCES rooms(id) ON DELETE SET NULL,
	joined_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_clients_room ON clients(room_id, joined_at);
`
