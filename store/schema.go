package store

import "fmt"

// schemaSQL returns the DDL for all tables. vectorDim controls the vec0
// virtual table dimension.
func schemaSQL(vectorDim int) string {
	return fmt.Sprintf(`
-- One row per distinct image, keyed by content hash
CREATE TABLE IF NOT EXISTS extractions (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL,
    filename TEXT NOT NULL,
    content_hash TEXT NOT NULL UNIQUE,
    source_model TEXT NOT NULL,
    prompt TEXT NOT NULL DEFAULT '',
    prompts JSON,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    version TEXT NOT NULL DEFAULT '',
    profile TEXT NOT NULL DEFAULT '',
    job_id TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    created_date DATETIME,
    extracted_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Prompt vectors via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_prompts USING vec0(
    extraction_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Full-text search over prompts via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS prompts_fts USING fts5(
    prompt,
    profile,
    content='extractions',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS extractions_ai AFTER INSERT ON extractions BEGIN
    INSERT INTO prompts_fts(rowid, prompt, profile) VALUES (new.id, new.prompt, new.profile);
END;
CREATE TRIGGER IF NOT EXISTS extractions_ad AFTER DELETE ON extractions BEGIN
    INSERT INTO prompts_fts(prompts_fts, rowid, prompt, profile) VALUES ('delete', old.id, old.prompt, old.profile);
END;
CREATE TRIGGER IF NOT EXISTS extractions_au AFTER UPDATE ON extractions BEGIN
    INSERT INTO prompts_fts(prompts_fts, rowid, prompt, profile) VALUES ('delete', old.id, old.prompt, old.profile);
    INSERT INTO prompts_fts(rowid, prompt, profile) VALUES (new.id, new.prompt, new.profile);
END;
`, vectorDim)
}
