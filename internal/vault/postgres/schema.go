package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS vault_heads (
	vault TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT vault_nonempty CHECK (vault <> ''),
	CONSTRAINT seq_nonneg CHECK (seq >= 0)
);

CREATE TABLE IF NOT EXISTS vault_events (
	vault TEXT NOT NULL REFERENCES vault_heads(vault),
	seq BIGINT NOT NULL,
	event_id BYTEA NOT NULL,
	kind TEXT NOT NULL,
	event_time BIGINT NOT NULL,
	payload JSONB NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (vault, seq),

	CONSTRAINT event_seq_positive CHECK (seq > 0),
	CONSTRAINT event_id_len CHECK (octet_length(event_id) = 32),
	CONSTRAINT kind_nonempty CHECK (kind <> '')
);

CREATE UNIQUE INDEX IF NOT EXISTS vault_events_id_uniq ON vault_events (event_id);
CREATE INDEX IF NOT EXISTS vault_events_kind_idx ON vault_events (vault, kind);
`
