package controlplane

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements Repository backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, name := range names {
		payload, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sqlText := strings.TrimSpace(string(payload))
		if sqlText == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runnerColumns = `id, name, owner, state, created_at, last_contact`

func scanRunner(row rowScanner) (*Runner, error) {
	var (
		r           Runner
		lastContact sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Owner, &r.State, &r.CreatedAt, &lastContact); err != nil {
		return nil, err
	}
	if lastContact.Valid {
		t := lastContact.Time
		r.LastContact = &t
	}
	return &r, nil
}

func (s *PostgresStore) CreateRunner(ctx context.Context, runner *Runner, credential *Credential) error {
	if runner.ID == "" {
		runner.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO control_plane_runners (id, name, owner, state, created_at, last_contact) VALUES ($1,$2,$3,$4,$5,$6)`,
		runner.ID, runner.Name, runner.Owner, runner.State, runner.CreatedAt, runner.LastContact)
	if err != nil {
		return translatePgError(err, "runner "+runner.ID)
	}
	if credential != nil {
		credential.RunnerID = runner.ID
		if err := insertCredential(ctx, tx, credential); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertCredential(ctx context.Context, tx *sql.Tx, c *Credential) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO control_plane_runner_credentials (id, runner_id, digest, issued_at, revoked_at) VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.RunnerID, c.Digest, c.IssuedAt, c.RevokedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRunner(ctx context.Context, id string) (*Runner, error) {
	runner, err := scanRunner(s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM control_plane_runners WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("runner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return runner, nil
}

func (s *PostgresStore) ListRunners(ctx context.Context, owner string) ([]Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM control_plane_runners`
	var args []any
	if owner != "" {
		query += ` WHERE owner=$1`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	runners := make([]Runner, 0)
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, *r)
	}
	return runners, rows.Err()
}

func (s *PostgresStore) MutateRunner(ctx context.Context, id string, fn RunnerMutation) (*Runner, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	runner, err := scanRunner(tx.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM control_plane_runners WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("runner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock runner: %w", err)
	}

	var (
		active    Credential
		revokedAt sql.NullTime
		activePtr *Credential
	)
	err = tx.QueryRowContext(ctx, `SELECT id, runner_id, digest, issued_at, revoked_at FROM control_plane_runner_credentials WHERE runner_id=$1 AND revoked_at IS NULL`, id).
		Scan(&active.ID, &active.RunnerID, &active.Digest, &active.IssuedAt, &revokedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load credential: %w", err)
	default:
		activePtr = &active
	}

	original := *runner
	next, err := fn(runner, activePtr)
	if err != nil {
		return nil, err
	}
	runner.ID = original.ID
	runner.Owner = original.Owner
	runner.CreatedAt = original.CreatedAt

	if _, err := tx.ExecContext(ctx, `UPDATE control_plane_runners SET name=$2, state=$3, last_contact=$4 WHERE id=$1`,
		runner.ID, runner.Name, runner.State, runner.LastContact); err != nil {
		return nil, fmt.Errorf("update runner: %w", err)
	}
	if next != nil {
		if activePtr != nil {
			res, err := tx.ExecContext(ctx, `UPDATE control_plane_runner_credentials SET revoked_at=$2 WHERE id=$1 AND revoked_at IS NULL`, activePtr.ID, next.IssuedAt)
			if err != nil {
				return nil, fmt.Errorf("revoke credential: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return nil, ErrAuthFailed("Authentication failed")
			}
		}
		next.RunnerID = id
		if err := insertCredential(ctx, tx, next); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit runner mutation: %w", err)
	}
	return runner, nil
}

func (s *PostgresStore) DeleteRunner(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM control_plane_runners WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("runner", id)
	}
	return nil
}

func (s *PostgresStore) FindRunnerByCredential(ctx context.Context, digest string) (*Runner, error) {
	runner, err := scanRunner(s.db.QueryRowContext(ctx, `SELECT r.id, r.name, r.owner, r.state, r.created_at, r.last_contact
FROM control_plane_runners r
JOIN control_plane_runner_credentials c ON c.runner_id = r.id
WHERE c.digest=$1 AND c.revoked_at IS NULL`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuthFailed("Invalid runner token.")
	}
	if err != nil {
		return nil, fmt.Errorf("find runner by credential: %w", err)
	}
	return runner, nil
}

func (s *PostgresStore) MarkStaleRunners(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE control_plane_runners SET state=$1
WHERE state IN ($2, $3) AND (last_contact IS NULL OR last_contact < $4)
RETURNING id`, RunnerStateOffline, RunnerStateIdle, RunnerStateBusy, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale runners: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateSystemInfo(ctx context.Context, runnerID string, fn func(info *SystemInfo) error) (*SystemInfo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM control_plane_runners WHERE id=$1)`, runnerID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check runner: %w", err)
	}
	if !exists {
		return nil, ErrNotFound("runner", runnerID)
	}

	info := SystemInfo{ID: uuid.NewString(), RunnerID: runnerID}
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM control_plane_system_info WHERE runner_id=$1 FOR UPDATE`, runnerID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load system info: %w", err)
	default:
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decode system info: %w", err)
		}
	}
	id := info.ID
	if err := fn(&info); err != nil {
		return nil, err
	}
	info.ID = id
	info.RunnerID = runnerID

	payload, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO control_plane_system_info (id, runner_id, data) VALUES ($1,$2,$3)
ON CONFLICT (runner_id) DO UPDATE SET data = EXCLUDED.data`, info.ID, runnerID, payload); err != nil {
		return nil, fmt.Errorf("save system info: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit system info: %w", err)
	}
	return &info, nil
}

func (s *PostgresStore) ListSystemInfo(ctx context.Context, owner string) ([]SystemInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.data FROM control_plane_system_info s
JOIN control_plane_runners r ON r.id = s.runner_id
WHERE r.owner=$1 ORDER BY s.runner_id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list system info: %w", err)
	}
	defer rows.Close()

	result := make([]SystemInfo, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var info SystemInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decode system info: %w", err)
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

const jobColumns = `id, name, priority, status, created_by, assigned_runner, application_id, executable,
command_line_args, working_directory, local_working_directory, exit_code, version, created_at, updated_at`

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		assigned   sql.NullString
		appID      sql.NullString
		workingDir sql.NullString
		exitCode   sql.NullInt64
		args       []byte
	)
	if err := row.Scan(&j.ID, &j.Name, &j.Priority, &j.Status, &j.CreatedBy, &assigned, &appID, &j.Executable,
		&args, &workingDir, &j.LocalWorkingDirectory, &exitCode, &j.Version, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if assigned.Valid {
		j.AssignedRunner = &assigned.String
	}
	if appID.Valid {
		j.ApplicationID = &appID.String
	}
	if workingDir.Valid {
		j.WorkingDirectory = &workingDir.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &j.CommandLineArgs); err != nil {
			return nil, fmt.Errorf("decode command line args: %w", err)
		}
	}
	return &j, nil
}

func jobArgs(j *Job) ([]any, error) {
	args := j.CommandLineArgs
	if args == nil {
		args = []string{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, j.Name, j.Priority, j.Status, j.CreatedBy, j.AssignedRunner, j.ApplicationID, j.Executable,
		payload, j.WorkingDirectory, j.LocalWorkingDirectory, j.ExitCode, j.Version, j.CreatedAt, j.UpdatedAt,
	}, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...)
	if err != nil {
		return translatePgError(err, "job "+job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		clauses = append(clauses, fmt.Sprintf("created_by=$%d", len(args)))
	}
	if filter.AssignedRunner != "" {
		args = append(args, filter.AssignedRunner)
		clauses = append(clauses, fmt.Sprintf("assigned_runner=$%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, fn func(job *Job) error) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	original := job.clone()
	if err := fn(job); err != nil {
		return nil, err
	}
	job.ID = original.ID
	job.CreatedBy = original.CreatedBy
	job.LocalWorkingDirectory = original.LocalWorkingDirectory
	job.CreatedAt = original.CreatedAt
	job.Version = original.Version + 1

	args, err := json.Marshal(nonNilArgs(job.CommandLineArgs))
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET name=$2, priority=$3, status=$4, assigned_runner=$5, application_id=$6,
executable=$7, command_line_args=$8, working_directory=$9, exit_code=$10, version=$11, updated_at=$12 WHERE id=$1`,
		job.ID, job.Name, job.Priority, job.Status, job.AssignedRunner, job.ApplicationID,
		job.Executable, args, job.WorkingDirectory, job.ExitCode, job.Version, job.UpdatedAt)
	if err != nil {
		return nil, translatePgError(err, "job "+id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) ([]JobResource, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `SELECT `+resourceColumns+` FROM job_resources r WHERE r.job_id=$1 ORDER BY r.created_at ASC, r.id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list job resources: %w", err)
	}
	resources, err := collectResources(rows)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound("job", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job delete: %w", err)
	}
	return resources, nil
}

const resourceColumns = `r.id, r.job_id, r.resource_type, r.file, r.filename, r.description, r.original_file_path, r.size, r.created_by, r.created_at`

func scanResource(row rowScanner) (*JobResource, error) {
	var (
		res       JobResource
		createdBy sql.NullString
	)
	if err := row.Scan(&res.ID, &res.JobID, &res.ResourceType, &res.File, &res.Filename, &res.Description,
		&res.OriginalFilePath, &res.Size, &createdBy, &res.CreatedAt); err != nil {
		return nil, err
	}
	if createdBy.Valid {
		res.CreatedBy = &createdBy.String
	}
	return &res, nil
}

func collectResources(rows *sql.Rows) ([]JobResource, error) {
	defer rows.Close()
	result := make([]JobResource, 0)
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *res)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateResource(ctx context.Context, resource *JobResource) error {
	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_resources (id, job_id, resource_type, file, filename, description, original_file_path, size, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		resource.ID, resource.JobID, resource.ResourceType, resource.File, resource.Filename, resource.Description,
		resource.OriginalFilePath, resource.Size, resource.CreatedBy, resource.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return ErrDuplicate("resource %s already exists for job %s", resource.Filename, resource.JobID)
			case pgForeignKeyViolation:
				return ErrNotFound("job", resource.JobID)
			}
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResource(ctx context.Context, id string) (*JobResource, error) {
	res, err := scanResource(s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM job_resources r WHERE r.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) ListResources(ctx context.Context, filter ResourceFilter) ([]JobResource, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.JobID != "" {
		add("r.job_id=$%d", filter.JobID)
	}
	if filter.ResourceType != "" {
		add("r.resource_type=$%d", filter.ResourceType)
	}
	if filter.Filename != "" {
		add("r.file ILIKE '%%' || $%d || '%%'", filter.Filename)
	}
	if filter.JobOwner != "" {
		add("j.created_by=$%d", filter.JobOwner)
	}
	if filter.AssignedRunner != "" {
		add("j.assigned_runner=$%d", filter.AssignedRunner)
	}
	query := `SELECT ` + resourceColumns + ` FROM job_resources r JOIN jobs j ON j.id = r.job_id`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY r.created_at ASC, r.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return collectResources(rows)
}

func (s *PostgresStore) DeleteResource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_resources WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("resource", id)
	}
	return nil
}

func translatePgError(err error, subject string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicate("%s already exists", subject)
		case pgForeignKeyViolation:
			return ErrValidation("%s references a missing record: %s", subject, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("write %s: %w", subject, err)
}

func nonNilArgs(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}
