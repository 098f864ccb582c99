package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"abcsmc/internal/model"
)

// dialect captures the few places where the supported SQL backends differ.
type dialect struct {
	name        string
	driver      string
	schema      string
	positional  bool
	readTx      *sql.TxOptions
	maxOpen     int
	isDuplicate func(error) bool
}

// SQLStore persists runs through database/sql. It backs both the sqlite and
// the postgres store kinds.
type SQLStore struct {
	dialect dialect
	dsn     string

	mu sync.RWMutex
	db *sql.DB
}

func newSQLStore(d dialect, dsn string) *SQLStore {
	return &SQLStore{dialect: d, dsn: dsn}
}

func (s *SQLStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return fmt.Errorf("%s dsn is required", s.dialect.name)
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return err
	}
	if s.dialect.maxOpen > 0 {
		db.SetMaxOpenConns(s.dialect.maxOpen)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if _, err := db.ExecContext(ctx, s.dialect.schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create %s tables: %w", s.dialect.name, err)
	}

	s.db = db
	slog.Debug("History store opened", "backend", s.dialect.name)
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) CreateRun(ctx context.Context, run model.Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, s.q(`
		INSERT INTO runs (id, schema_version, codec_version, created_at, ended_at, seed, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), run.ID, run.SchemaVersion, run.CodecVersion, run.CreatedAt.UnixNano(), nullableTime(run.EndedAt), run.Seed, payload)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (model.Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Run{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, s.q(`SELECT payload FROM runs WHERE id = ?`), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, false, nil
		}
		return model.Run{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLStore) FinishRun(ctx context.Context, id string, endedAt time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var payload []byte
	err = tx.QueryRowContext(ctx, s.q(`SELECT payload FROM runs WHERE id = ?`), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return fmt.Errorf("decode run %s: %w", id, err)
	}
	run.EndedAt = &endedAt
	if payload, err = EncodeRun(run); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE runs SET ended_at = ?, payload = ? WHERE id = ?`),
		endedAt.UnixNano(), payload, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) AppendPopulation(ctx context.Context, record model.PopulationRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	pop := record.Population
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM runs WHERE id = ?`), pop.RunID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, pop.RunID)
	}

	var count int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM populations WHERE run_id = ?`), pop.RunID).Scan(&count)
	if err != nil {
		return err
	}
	if pop.Index != count {
		return fmt.Errorf("%w: got=%d want=%d", ErrNonContiguous, pop.Index, count)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO populations (run_id, idx, schema_version, codec_version, epsilon, n_proposals, duration_ns, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), pop.RunID, pop.Index, pop.SchemaVersion, pop.CodecVersion, pop.Epsilon, pop.Proposals, int64(pop.Duration), pop.EndedAt.UnixNano())
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return fmt.Errorf("%w: population %d already stored", ErrNonContiguous, pop.Index)
		}
		return err
	}

	for _, m := range record.Models {
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO models (run_id, population_idx, model_idx, name, probability, kernel)
			VALUES (?, ?, ?, ?, ?, ?)
		`), pop.RunID, pop.Index, m.ModelIndex, m.Name, m.Probability, m.Kernel)
		if err != nil {
			return fmt.Errorf("insert model %d: %w", m.ModelIndex, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO particles (run_id, population_idx, particle_idx, model_idx, parameters, sum_stat, distance, weight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range record.Particles {
		params, err := EncodeVector(p.Parameters)
		if err != nil {
			return fmt.Errorf("encode particle %d parameters: %w", p.Index, err)
		}
		sumStat, err := EncodeVector(p.SumStat)
		if err != nil {
			return fmt.Errorf("encode particle %d sum stat: %w", p.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, pop.RunID, pop.Index, p.Index, p.ModelIndex, params, sumStat, p.Distance, p.Weight); err != nil {
			return fmt.Errorf("insert particle %d: %w", p.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("Population appended", "run_id", pop.RunID, "population", pop.Index, "particles", len(record.Particles))
	return nil
}

func (s *SQLStore) GetPopulation(ctx context.Context, runID string, index int) (model.PopulationRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.PopulationRecord{}, false, err
	}

	tx, err := db.BeginTx(ctx, s.dialect.readTx)
	if err != nil {
		return model.PopulationRecord{}, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	return s.readPopulation(ctx, tx, runID, index)
}

func (s *SQLStore) LatestPopulation(ctx context.Context, runID string) (model.PopulationRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.PopulationRecord{}, false, err
	}

	tx, err := db.BeginTx(ctx, s.dialect.readTx)
	if err != nil {
		return model.PopulationRecord{}, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var maxIdx sql.NullInt64
	err = tx.QueryRowContext(ctx, s.q(`SELECT MAX(idx) FROM populations WHERE run_id = ?`), runID).Scan(&maxIdx)
	if err != nil {
		return model.PopulationRecord{}, false, err
	}
	if !maxIdx.Valid {
		return model.PopulationRecord{}, false, nil
	}
	return s.readPopulation(ctx, tx, runID, int(maxIdx.Int64))
}

func (s *SQLStore) ListPopulations(ctx context.Context, runID string) ([]model.Population, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.q(`
		SELECT p.idx, p.schema_version, p.codec_version, p.epsilon, p.n_proposals, p.duration_ns, p.ended_at,
			(SELECT COUNT(*) FROM particles pa WHERE pa.run_id = p.run_id AND pa.population_idx = p.idx)
		FROM populations p
		WHERE p.run_id = ?
		ORDER BY p.idx
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Population
	for rows.Next() {
		pop := model.Population{RunID: runID}
		var durationNS, endedAt int64
		if err := rows.Scan(&pop.Index, &pop.SchemaVersion, &pop.CodecVersion, &pop.Epsilon, &pop.Proposals,
			&durationNS, &endedAt, &pop.Particles); err != nil {
			return nil, err
		}
		if err := checkVersion(pop.VersionedRecord); err != nil {
			return nil, fmt.Errorf("population %d: %w", pop.Index, err)
		}
		pop.Duration = time.Duration(durationNS)
		pop.EndedAt = time.Unix(0, endedAt).UTC()
		out = append(out, pop)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListModels(ctx context.Context, runID string) ([]model.ModelRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.q(`
		SELECT population_idx, model_idx, name, probability, kernel
		FROM models WHERE run_id = ?
		ORDER BY population_idx, model_idx
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ModelRecord
	for rows.Next() {
		m := model.ModelRecord{RunID: runID}
		if err := rows.Scan(&m.PopulationIndex, &m.ModelIndex, &m.Name, &m.Probability, &m.Kernel); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) readPopulation(ctx context.Context, tx *sql.Tx, runID string, index int) (model.PopulationRecord, bool, error) {
	pop := model.Population{RunID: runID, Index: index}
	var durationNS, endedAt int64
	err := tx.QueryRowContext(ctx, s.q(`
		SELECT schema_version, codec_version, epsilon, n_proposals, duration_ns, ended_at
		FROM populations WHERE run_id = ? AND idx = ?
	`), runID, index).Scan(&pop.SchemaVersion, &pop.CodecVersion, &pop.Epsilon, &pop.Proposals, &durationNS, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PopulationRecord{}, false, nil
		}
		return model.PopulationRecord{}, false, err
	}
	if err := checkVersion(pop.VersionedRecord); err != nil {
		return model.PopulationRecord{}, false, fmt.Errorf("population %d: %w", index, err)
	}
	pop.Duration = time.Duration(durationNS)
	pop.EndedAt = time.Unix(0, endedAt).UTC()

	record := model.PopulationRecord{Population: pop}

	modelRows, err := tx.QueryContext(ctx, s.q(`
		SELECT model_idx, name, probability, kernel
		FROM models WHERE run_id = ? AND population_idx = ?
		ORDER BY model_idx
	`), runID, index)
	if err != nil {
		return model.PopulationRecord{}, false, err
	}
	for modelRows.Next() {
		m := model.ModelRecord{RunID: runID, PopulationIndex: index}
		if err := modelRows.Scan(&m.ModelIndex, &m.Name, &m.Probability, &m.Kernel); err != nil {
			_ = modelRows.Close()
			return model.PopulationRecord{}, false, err
		}
		record.Models = append(record.Models, m)
	}
	if err := modelRows.Err(); err != nil {
		_ = modelRows.Close()
		return model.PopulationRecord{}, false, err
	}
	_ = modelRows.Close()

	particleRows, err := tx.QueryContext(ctx, s.q(`
		SELECT particle_idx, model_idx, parameters, sum_stat, distance, weight
		FROM particles WHERE run_id = ? AND population_idx = ?
		ORDER BY particle_idx
	`), runID, index)
	if err != nil {
		return model.PopulationRecord{}, false, err
	}
	defer particleRows.Close()

	for particleRows.Next() {
		p := model.Particle{RunID: runID, PopulationIndex: index}
		var params, sumStat []byte
		if err := particleRows.Scan(&p.Index, &p.ModelIndex, &params, &sumStat, &p.Distance, &p.Weight); err != nil {
			return model.PopulationRecord{}, false, err
		}
		if p.Parameters, err = DecodeVector(params); err != nil {
			return model.PopulationRecord{}, false, fmt.Errorf("decode particle %d parameters: %w", p.Index, err)
		}
		if p.SumStat, err = DecodeVector(sumStat); err != nil {
			return model.PopulationRecord{}, false, fmt.Errorf("decode particle %d sum stat: %w", p.Index, err)
		}
		record.Particles = append(record.Particles, p)
	}
	if err := particleRows.Err(); err != nil {
		return model.PopulationRecord{}, false, err
	}
	record.Population.Particles = len(record.Particles)
	return record, true, nil
}

func (s *SQLStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// q rewrites '?' placeholders to $N for drivers that only accept positional
// parameters.
func (s *SQLStore) q(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
