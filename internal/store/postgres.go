// Package store implements the durable state store: sessions, hosts,
// iterations, per-host iteration results, compressed build logs, and
// sidecar metadata, all on Postgres via pgx.
//
// # Schema evolution
//
// ensureSchema only ever issues CREATE TABLE / CREATE INDEX IF NOT EXISTS,
// ALTER TABLE ... ADD COLUMN IF NOT EXISTS, and ALTER COLUMN ... DROP NOT
// NULL: migrations are additive, matching the orchestrator's
// requirement that resuming a session against an older schema never loses
// data in a column that stopped being written.
//
// # Concurrency
//
// GetOrCreateSession runs inside a transaction that first takes a
// transaction-scoped advisory lock (pg_advisory_xact_lock) and then locks
// the sessions table's running row (if any) with SELECT ... FOR UPDATE
// before deciding whether to create a new session, so two controller
// processes racing to start a run can never both succeed. CreateIterationResultsBulk writes
// all per-host results for one iteration in a single transaction: either
// every host's result lands, or none does. Build log appends are
// serialized per log row by the same FOR UPDATE pattern, since the
// decompress-concat-recompress cycle is not safe to run concurrently
// against the same blob.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/kbisect/internal/domain"
)

// Store is the durable state store used by the session loop, phase engine,
// and bisection driver.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pooled Postgres connection and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Pool exposes the underlying pool for packages that need their own table
// (e.g. internal/secrets) without opening a second connection.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			good_commit   TEXT NOT NULL,
			bad_commit    TEXT NOT NULL,
			status        TEXT NOT NULL,
			result_commit TEXT,
			config        JSONB NOT NULL,
			state_blob    JSONB NOT NULL DEFAULT '{}',
			started_at    TIMESTAMPTZ NOT NULL,
			ended_at      TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,

		`CREATE TABLE IF NOT EXISTS hosts (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL UNIQUE,
			address           TEXT NOT NULL,
			ssh_user          TEXT NOT NULL,
			ssh_key_path      TEXT,
			designated        BOOLEAN NOT NULL DEFAULT FALSE,
			kernel_path       TEXT NOT NULL DEFAULT '',
			lib_path          TEXT NOT NULL DEFAULT '',
			test_script       TEXT,
			kernel_config_dst TEXT,
			power_kind        TEXT NOT NULL,
			power_address     TEXT,
			power_user        TEXT,
			power_secret      TEXT,
			created_at        TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS iterations (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			num            INTEGER NOT NULL,
			commit_sha     TEXT NOT NULL,
			commit_subject TEXT,
			final_verdict  TEXT NOT NULL DEFAULT '',
			started_at     TIMESTAMPTZ NOT NULL,
			ended_at       TIMESTAMPTZ,
			UNIQUE (session_id, num)
		)`,

		`CREATE TABLE IF NOT EXISTS iteration_results (
			id               TEXT PRIMARY KEY,
			iteration_id     TEXT NOT NULL REFERENCES iterations(id) ON DELETE CASCADE,
			host_id          TEXT NOT NULL REFERENCES hosts(id),
			build_ok         BOOLEAN NOT NULL,
			boot_ok          BOOLEAN NOT NULL,
			kernel_version   TEXT,
			test_ok          BOOLEAN NOT NULL,
			verdict          TEXT NOT NULL,
			error_message    TEXT,
			duration_seconds DOUBLE PRECISION NOT NULL,
			recorded_at      TIMESTAMPTZ NOT NULL,
			UNIQUE (iteration_id, host_id)
		)`,

		`CREATE TABLE IF NOT EXISTS build_logs (
			id           TEXT PRIMARY KEY,
			iteration_id TEXT NOT NULL REFERENCES iterations(id) ON DELETE CASCADE,
			host_id      TEXT NOT NULL REFERENCES hosts(id),
			kind         TEXT NOT NULL,
			compression  TEXT NOT NULL DEFAULT 'gzip',
			content      BYTEA NOT NULL DEFAULT '',
			size         BIGINT NOT NULL DEFAULT 0,
			exit_code    INTEGER,
			finalized    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_logs_iteration_host ON build_logs(iteration_id, host_id)`,

		// session_id is owning per §3 ("Metadata ... owning session-id");
		// iteration_id is optional since a baseline collection runs before
		// any iteration exists.
		`CREATE TABLE IF NOT EXISTS metadata (
			id           TEXT PRIMARY KEY,
			session_id   TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			iteration_id TEXT REFERENCES iterations(id) ON DELETE CASCADE,
			host_id      TEXT,
			kind         TEXT NOT NULL,
			payload      BYTEA NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL
		)`,
		// Additive migration for a store created before session_id existed:
		// widen the old NOT NULL iteration_id instead of dropping the table.
		`ALTER TABLE metadata ADD COLUMN IF NOT EXISTS session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE`,
		`ALTER TABLE metadata ALTER COLUMN iteration_id DROP NOT NULL`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// sessionLockKey is the advisory lock key guarding concurrent
// GetOrCreateSession calls, mirroring the single-writer invariant used for
// delete operations in the teacher's own schema.
const sessionLockKey int64 = 0x6b62697365637401 // "kbisect\x01"

// GetOrCreateSession atomically returns the existing running session,
// whatever its commit pair (goodCommit and badCommit are not compared), or
// creates one for (goodCommit, badCommit) if none is running. At most one
// session may hold status "running" at a time.
func (s *Store) GetOrCreateSession(ctx context.Context, goodCommit, badCommit string, config []byte) (*domain.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey); err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}

	existing, err := scanSession(tx.QueryRow(ctx, `
		SELECT id, good_commit, bad_commit, status, result_commit, config, state_blob, started_at, ended_at
		FROM sessions WHERE status = $1 FOR UPDATE`, domain.SessionRunning))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("query running session: %w", err)
	}

	session := &domain.Session{
		ID:         uuid.NewString(),
		GoodCommit: goodCommit,
		BadCommit:  badCommit,
		Status:     domain.SessionRunning,
		Config:     config,
		StateBlob:  []byte("{}"),
		StartedAt:  time.Now(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, good_commit, bad_commit, status, config, state_blob, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.GoodCommit, session.BadCommit, session.Status, session.Config, session.StateBlob, session.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return session, nil
}

// UpdateSession persists a session's status, result commit, state blob, and
// end time.
func (s *Store) UpdateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, result_commit = $3, state_blob = $4, ended_at = $5
		WHERE id = $1`,
		session.ID, session.Status, session.ResultCommit, session.StateBlob, session.EndedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT id, good_commit, bad_commit, status, result_commit, config, state_blob, started_at, ended_at
		FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var session domain.Session
	var resultCommit, stateBlob *string
	var config []byte
	var endedAt *time.Time
	if err := row.Scan(&session.ID, &session.GoodCommit, &session.BadCommit, &session.Status,
		&resultCommit, &config, &stateBlob, &session.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if resultCommit != nil {
		session.ResultCommit = *resultCommit
	}
	session.Config = config
	if stateBlob != nil {
		session.StateBlob = []byte(*stateBlob)
	}
	session.EndedAt = endedAt
	return &session, nil
}

// CreateHost registers a host in the durable roster (idempotent on name).
func (s *Store) CreateHost(ctx context.Context, h *domain.Host) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hosts (id, name, address, ssh_user, ssh_key_path, designated, kernel_path, lib_path, test_script, kernel_config_dst, power_kind, power_address, power_user, power_secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (name) DO UPDATE SET
			address = EXCLUDED.address, ssh_user = EXCLUDED.ssh_user, ssh_key_path = EXCLUDED.ssh_key_path,
			designated = EXCLUDED.designated, kernel_path = EXCLUDED.kernel_path, lib_path = EXCLUDED.lib_path,
			test_script = EXCLUDED.test_script, kernel_config_dst = EXCLUDED.kernel_config_dst,
			power_kind = EXCLUDED.power_kind, power_address = EXCLUDED.power_address,
			power_user = EXCLUDED.power_user, power_secret = EXCLUDED.power_secret`,
		h.ID, h.Name, h.Address, h.SSHUser, h.SSHKeyPath, h.Designated, h.KernelPath, h.LibPath, h.TestScript, h.KernelConfigDst,
		h.PowerKind, h.PowerAddress, h.PowerUser, h.PowerSecret, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("create host %s: %w", h.Name, err)
	}
	return nil
}

// ListHosts returns every host in the roster.
func (s *Store) ListHosts(ctx context.Context) ([]*domain.Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, address, ssh_user, ssh_key_path, designated, kernel_path, lib_path, test_script, kernel_config_dst, power_kind, power_address, power_user, power_secret, created_at
		FROM hosts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*domain.Host
	for rows.Next() {
		var h domain.Host
		var sshKeyPath, testScript, kernelConfigDst, powerAddress, powerUser, powerSecret *string
		if err := rows.Scan(&h.ID, &h.Name, &h.Address, &h.SSHUser, &sshKeyPath, &h.Designated,
			&h.KernelPath, &h.LibPath, &testScript, &kernelConfigDst,
			&h.PowerKind, &powerAddress, &powerUser, &powerSecret, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if sshKeyPath != nil {
			h.SSHKeyPath = *sshKeyPath
		}
		if testScript != nil {
			h.TestScript = *testScript
		}
		if kernelConfigDst != nil {
			h.KernelConfigDst = *kernelConfigDst
		}
		if powerAddress != nil {
			h.PowerAddress = *powerAddress
		}
		if powerUser != nil {
			h.PowerUser = *powerUser
		}
		if powerSecret != nil {
			h.PowerSecret = *powerSecret
		}
		hosts = append(hosts, &h)
	}
	return hosts, rows.Err()
}

// CreateIteration records a new candidate commit under test.
func (s *Store) CreateIteration(ctx context.Context, it *domain.Iteration) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.StartedAt.IsZero() {
		it.StartedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO iterations (id, session_id, num, commit_sha, commit_subject, final_verdict, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		it.ID, it.SessionID, it.Num, it.CommitSHA, it.CommitSubject, it.FinalVerdict, it.StartedAt)
	if err != nil {
		return fmt.Errorf("create iteration: %w", err)
	}
	return nil
}

// UpdateIteration persists the aggregated verdict and end time for an iteration.
func (s *Store) UpdateIteration(ctx context.Context, it *domain.Iteration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE iterations SET final_verdict = $2, ended_at = $3 WHERE id = $1`,
		it.ID, it.FinalVerdict, it.EndedAt)
	if err != nil {
		return fmt.Errorf("update iteration: %w", err)
	}
	return nil
}

// ListIterations returns every iteration recorded for a session, in order.
func (s *Store) ListIterations(ctx context.Context, sessionID string) ([]*domain.Iteration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, num, commit_sha, commit_subject, final_verdict, started_at, ended_at
		FROM iterations WHERE session_id = $1 ORDER BY num`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Iteration
	for rows.Next() {
		var it domain.Iteration
		var subject *string
		var endedAt *time.Time
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Num, &it.CommitSHA, &subject, &it.FinalVerdict, &it.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		if subject != nil {
			it.CommitSubject = *subject
		}
		it.EndedAt = endedAt
		out = append(out, &it)
	}
	return out, rows.Err()
}

// CreateIterationResultsBulk writes every host's result for one iteration in
// a single transaction: all rows land, or none do.
func (s *Store) CreateIterationResultsBulk(ctx context.Context, results []*domain.IterationResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range results {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.RecordedAt.IsZero() {
			r.RecordedAt = time.Now()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO iteration_results
				(id, iteration_id, host_id, build_ok, boot_ok, kernel_version, test_ok, verdict, error_message, duration_seconds, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (iteration_id, host_id) DO UPDATE SET
				build_ok = EXCLUDED.build_ok, boot_ok = EXCLUDED.boot_ok, kernel_version = EXCLUDED.kernel_version,
				test_ok = EXCLUDED.test_ok, verdict = EXCLUDED.verdict, error_message = EXCLUDED.error_message,
				duration_seconds = EXCLUDED.duration_seconds, recorded_at = EXCLUDED.recorded_at`,
			r.ID, r.IterationID, r.HostID, r.BuildOK, r.BootOK, r.KernelVersion, r.TestOK, r.Verdict,
			r.ErrorMessage, r.DurationSeconds, r.RecordedAt)
		if err != nil {
			return fmt.Errorf("insert iteration result for host %s: %w", r.HostID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit iteration results: %w", err)
	}
	return nil
}

// ListIterationResults returns every per-host result for an iteration.
func (s *Store) ListIterationResults(ctx context.Context, iterationID string) ([]*domain.IterationResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, iteration_id, host_id, build_ok, boot_ok, kernel_version, test_ok, verdict, error_message, duration_seconds, recorded_at
		FROM iteration_results WHERE iteration_id = $1`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("list iteration results: %w", err)
	}
	defer rows.Close()

	var out []*domain.IterationResult
	for rows.Next() {
		var r domain.IterationResult
		var kernelVersion, errMsg *string
		if err := rows.Scan(&r.ID, &r.IterationID, &r.HostID, &r.BuildOK, &r.BootOK, &kernelVersion,
			&r.TestOK, &r.Verdict, &errMsg, &r.DurationSeconds, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan iteration result: %w", err)
		}
		if kernelVersion != nil {
			r.KernelVersion = *kernelVersion
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CreateBuildLog opens a non-finalized log of the given kind for one
// (iteration, host) pair, holding only an initial header line. It is
// created before the owning iteration_result row exists, so it is keyed
// directly off the iteration and host, per §4.4.
func (s *Store) CreateBuildLog(ctx context.Context, iterationID, hostID string, kind domain.LogKind, header string) (string, error) {
	id := uuid.NewString()
	content, err := compressGzip([]byte(header))
	if err != nil {
		return "", fmt.Errorf("compress build log header: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO build_logs (id, iteration_id, host_id, kind, compression, content, size, finalized, created_at)
		VALUES ($1, $2, $3, $4, 'gzip', $5, $6, FALSE, $7)`,
		id, iterationID, hostID, string(kind), content, len(header), time.Now())
	if err != nil {
		return "", fmt.Errorf("create build log: %w", err)
	}
	return id, nil
}

// AppendBuildLogChunk decompresses the stored blob, appends chunk, and
// recompresses, under a row lock so concurrent appends to the same log
// never interleave.
func (s *Store) AppendBuildLogChunk(ctx context.Context, logID string, chunk []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var content []byte
	var finalized bool
	if err := tx.QueryRow(ctx, `SELECT content, finalized FROM build_logs WHERE id = $1 FOR UPDATE`, logID).
		Scan(&content, &finalized); err != nil {
		return fmt.Errorf("lock build log %s: %w", logID, err)
	}
	if finalized {
		return fmt.Errorf("build log %s is already finalized", logID)
	}

	existing, err := decompressGzip(content)
	if err != nil {
		return fmt.Errorf("decompress build log %s: %w", logID, err)
	}
	merged := append(existing, chunk...)
	recompressed, err := compressGzip(merged)
	if err != nil {
		return fmt.Errorf("recompress build log %s: %w", logID, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE build_logs SET content = $2, size = $3 WHERE id = $1`, logID, recompressed, len(merged)); err != nil {
		return fmt.Errorf("update build log %s: %w", logID, err)
	}

	return tx.Commit(ctx)
}

// FinalizeBuildLog sets the terminal exit code and marks a build log
// complete; further appends are rejected.
func (s *Store) FinalizeBuildLog(ctx context.Context, logID string, exitCode int) error {
	_, err := s.pool.Exec(ctx, `UPDATE build_logs SET finalized = TRUE, exit_code = $2 WHERE id = $1`, logID, exitCode)
	if err != nil {
		return fmt.Errorf("finalize build log %s: %w", logID, err)
	}
	return nil
}

// ReadBuildLog returns the decompressed content of a build log.
func (s *Store) ReadBuildLog(ctx context.Context, logID string) ([]byte, error) {
	var content []byte
	if err := s.pool.QueryRow(ctx, `SELECT content FROM build_logs WHERE id = $1`, logID).Scan(&content); err != nil {
		return nil, fmt.Errorf("read build log %s: %w", logID, err)
	}
	return decompressGzip(content)
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// StoreMetadata records a best-effort sidecar record (e.g. a post-reboot
// console snapshot, a baseline collection). Failures here must never fail
// the owning phase or session init.
func (s *Store) StoreMetadata(ctx context.Context, m *domain.Metadata) error {
	return s.insertMetadata(ctx, m)
}

// StoreFileMetadata is §4.4's specialization for file-shaped payloads (the
// shared kernel .config, most notably): same storage path as StoreMetadata,
// but the signature matches the spec's store_file_metadata(session,
// iteration, kind, text) operation so callers don't have to build a
// domain.Metadata by hand for a simple text artifact.
func (s *Store) StoreFileMetadata(ctx context.Context, sessionID, iterationID string, kind domain.MetadataKind, text string) (string, error) {
	m := &domain.Metadata{
		SessionID:   sessionID,
		IterationID: iterationID,
		Kind:        kind,
		Payload:     []byte(text),
	}
	if err := s.insertMetadata(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (s *Store) insertMetadata(ctx context.Context, m *domain.Metadata) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metadata (id, session_id, iteration_id, host_id, kind, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, nullableString(m.SessionID), nullableString(m.IterationID), nullableString(m.HostID), m.Kind, m.Payload, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	return nil
}

// nullableString converts an empty string to SQL NULL so optional
// Metadata fields (iteration-id before iteration 1, host-id for a
// session-wide collection) don't get stored as empty-string foreign keys.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarshalConfig is a small helper callers use before GetOrCreateSession so
// the stored config column is always valid JSON for later audit/debugging.
func MarshalConfig(v any) ([]byte, error) {
	return json.Marshal(v)
}
