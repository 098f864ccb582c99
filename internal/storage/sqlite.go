package storage

import _ "modernc.org/sqlite"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		codec_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER,
		seed INTEGER NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS populations (
		run_id TEXT NOT NULL REFERENCES runs(id),
		idx INTEGER NOT NULL,
		schema_version INTEGER NOT NULL,
		codec_version INTEGER NOT NULL,
		epsilon REAL NOT NULL,
		n_proposals INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, idx)
	);
	CREATE TABLE IF NOT EXISTS models (
		run_id TEXT NOT NULL,
		population_idx INTEGER NOT NULL,
		model_idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		probability REAL NOT NULL,
		kernel BLOB,
		PRIMARY KEY (run_id, population_idx, model_idx)
	);
	CREATE TABLE IF NOT EXISTS particles (
		run_id TEXT NOT NULL,
		population_idx INTEGER NOT NULL,
		particle_idx INTEGER NOT NULL,
		model_idx INTEGER NOT NULL,
		parameters BLOB NOT NULL,
		sum_stat BLOB,
		distance REAL NOT NULL,
		weight REAL NOT NULL,
		PRIMARY KEY (run_id, population_idx, particle_idx)
	);
`

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: sqliteSchema,
	// A single connection serializes writers and keeps LatestPopulation's
	// read transaction consistent without SQLITE_BUSY retries.
	maxOpen: 1,
}

// NewSQLiteStore opens a store backed by the pure-Go sqlite driver. path is a
// file path or any DSN the driver accepts.
func NewSQLiteStore(path string) *SQLStore {
	return newSQLStore(sqliteDialect, path)
}
