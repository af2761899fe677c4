package storage

import (
	"fmt"
	"time"
)

// Schema is the authoritative DDL, applied by the migrate binary. All hash
// columns hold lowercase hex without a 0x prefix.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	fid            BIGINT PRIMARY KEY,
	is_root        BOOLEAN NOT NULL DEFAULT FALSE,
	added_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_synced_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS target_clients (
	client_fid BIGINT PRIMARY KEY,
	added_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS casts (
	hash               VARCHAR(64) PRIMARY KEY,
	fid                BIGINT NOT NULL,
	text               TEXT NOT NULL DEFAULT '',
	parent_hash        VARCHAR(64),
	parent_fid         BIGINT,
	parent_url         TEXT,
	timestamp          TIMESTAMPTZ NOT NULL,
	embeds             JSONB,
	mentions           BIGINT[],
	mentions_positions INT[],
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reactions (
	hash        VARCHAR(64) PRIMARY KEY,
	fid         BIGINT NOT NULL,
	type        VARCHAR(16) NOT NULL,
	target_hash VARCHAR(64),
	target_fid  BIGINT,
	target_url  TEXT,
	timestamp   TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS links (
	hash       VARCHAR(64) PRIMARY KEY,
	fid        BIGINT NOT NULL,
	target_fid BIGINT NOT NULL,
	type       VARCHAR(16) NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS verifications (
	hash       VARCHAR(64) PRIMARY KEY,
	fid        BIGINT NOT NULL,
	address    VARCHAR(128) NOT NULL,
	protocol   VARCHAR(16) NOT NULL DEFAULT 'ethereum',
	block_hash VARCHAR(66),
	timestamp  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_data (
	hash       VARCHAR(64) PRIMARY KEY,
	fid        BIGINT NOT NULL,
	type       VARCHAR(32) NOT NULL,
	value      TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS username_proofs (
	hash       VARCHAR(64) PRIMARY KEY,
	fid        BIGINT NOT NULL,
	name       TEXT NOT NULL,
	owner      VARCHAR(128) NOT NULL,
	signature  TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS on_chain_events (
	id                     BIGSERIAL PRIMARY KEY,
	type                   VARCHAR(64) NOT NULL,
	chain_id               BIGINT NOT NULL,
	block_number           BIGINT NOT NULL,
	block_hash             VARCHAR(66) NOT NULL,
	block_timestamp        TIMESTAMPTZ NOT NULL,
	transaction_hash       VARCHAR(66) NOT NULL,
	log_index              INT NOT NULL,
	fid                    BIGINT NOT NULL,
	signer_event_body      JSONB,
	id_registry_event_body JSONB,
	key_registry_event_body JSONB,
	storage_rent_event_body JSONB,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (transaction_hash, log_index)
);

CREATE TABLE IF NOT EXISTS sync_state (
	name           VARCHAR(64) PRIMARY KEY,
	last_event_id  BIGINT,
	last_synced_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_casts_fid ON casts (fid);
CREATE INDEX IF NOT EXISTS idx_casts_timestamp ON casts (timestamp);
CREATE INDEX IF NOT EXISTS idx_casts_parent_hash ON casts (parent_hash);
CREATE INDEX IF NOT EXISTS idx_casts_fid_timestamp ON casts (fid, timestamp);
CREATE INDEX IF NOT EXISTS idx_reactions_fid ON reactions (fid);
CREATE INDEX IF NOT EXISTS idx_reactions_target_hash ON reactions (target_hash);
CREATE INDEX IF NOT EXISTS idx_reactions_fid_type ON reactions (fid, type);
CREATE INDEX IF NOT EXISTS idx_reactions_timestamp ON reactions (timestamp);
CREATE INDEX IF NOT EXISTS idx_links_fid ON links (fid);
CREATE INDEX IF NOT EXISTS idx_links_target_fid ON links (target_fid);
CREATE INDEX IF NOT EXISTS idx_links_fid_target_fid ON links (fid, target_fid);
CREATE INDEX IF NOT EXISTS idx_links_timestamp ON links (timestamp);
CREATE INDEX IF NOT EXISTS idx_verifications_timestamp ON verifications (timestamp);
CREATE INDEX IF NOT EXISTS idx_user_data_fid_type ON user_data (fid, type);
CREATE INDEX IF NOT EXISTS idx_user_data_timestamp ON user_data (timestamp);
CREATE INDEX IF NOT EXISTS idx_username_proofs_fid ON username_proofs (fid);
CREATE INDEX IF NOT EXISTS idx_on_chain_events_fid ON on_chain_events (fid);
CREATE INDEX IF NOT EXISTS idx_on_chain_events_block ON on_chain_events (chain_id, block_number);
`

// ProfilesView aggregates the latest user_data value per (fid, type) into
// one row per fid. Refreshed on operator demand.
const ProfilesView = `
CREATE MATERIALIZED VIEW IF NOT EXISTS profiles AS
SELECT
	fid,
	MAX(value) FILTER (WHERE type = 'username')         AS username,
	MAX(value) FILTER (WHERE type = 'display')          AS display_name,
	MAX(value) FILTER (WHERE type = 'pfp')              AS pfp,
	MAX(value) FILTER (WHERE type = 'bio')              AS bio,
	MAX(value) FILTER (WHERE type = 'url')              AS url,
	MAX(value) FILTER (WHERE type = 'location')         AS location,
	MAX(value) FILTER (WHERE type = 'twitter')          AS twitter,
	MAX(value) FILTER (WHERE type = 'github')           AS github,
	MAX(value) FILTER (WHERE type = 'banner')           AS banner,
	MAX(value) FILTER (WHERE type = 'ethereum_address') AS ethereum_address,
	MAX(value) FILTER (WHERE type = 'solana_address')   AS solana_address,
	NOW()                                               AS updated_at
FROM (
	SELECT DISTINCT ON (fid, type) fid, type, value
	FROM user_data
	ORDER BY fid, type, timestamp DESC
) latest
GROUP BY fid;

CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_fid ON profiles (fid);
`

// ConcurrentIndexes returns supplemental performance indexes created outside
// the main transaction (CREATE INDEX CONCURRENTLY cannot run inside one).
// The partial feed index needs a literal cutoff because index predicates must
// be immutable; the migrator passes now-30d and recreating it periodically is
// an operator task.
func ConcurrentIndexes(feedCutoff time.Time) []string {
	return []string{
		fmt.Sprintf(`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_casts_recent_feed
		ON casts (fid, timestamp DESC)
		WHERE timestamp > '%s'`, feedCutoff.UTC().Format("2006-01-02")),
		`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_casts_text_search
		ON casts USING GIN (to_tsvector('english', text))`,
	}
}
