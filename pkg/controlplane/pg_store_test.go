package controlplane

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var runnerRowColumns = []string{"id", "name", "owner", "state", "created_at", "last_contact"}

func TestPostgresGetRunner(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM control_plane_runners WHERE id=$1`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runnerRowColumns).AddRow("r1", "box", "alice", "IDLE", created, nil))

	runner, err := store.GetRunner(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "alice", runner.Owner)
	require.Equal(t, RunnerStateIdle, runner.State)
	require.Nil(t, runner.LastContact)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM control_plane_runners WHERE id=$1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetRunner(context.Background(), "missing")
	requireKind(t, err, KindNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMutateRunnerRotatesCredential(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	issued := created.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM control_plane_runners WHERE id=$1 FOR UPDATE`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runnerRowColumns).AddRow("r1", "box", "alice", "UNREGISTERED", created, nil))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM control_plane_runner_credentials WHERE runner_id=$1 AND revoked_at IS NULL`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "runner_id", "digest", "issued_at", "revoked_at"}).
			AddRow("c1", "r1", DigestCredential("initial"), created, nil))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE control_plane_runners SET name=$2, state=$3, last_contact=$4 WHERE id=$1`)).
		WithArgs("r1", "box", RunnerStateIdle, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE control_plane_runner_credentials SET revoked_at=$2 WHERE id=$1 AND revoked_at IS NULL`)).
		WithArgs("c1", issued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO control_plane_runner_credentials`)).
		WithArgs("c2", "r1", "digest-2", issued, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runner, err := store.MutateRunner(context.Background(), "r1", func(r *Runner, active *Credential) (*Credential, error) {
		require.True(t, active.Matches("initial"))
		r.State = RunnerStateIdle
		r.LastContact = &issued
		return &Credential{ID: "c2", Digest: "digest-2", IssuedAt: issued}, nil
	})
	require.NoError(t, err)
	require.Equal(t, RunnerStateIdle, runner.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMutateRunnerAbortRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runnerRowColumns).AddRow("r1", "box", "alice", "IDLE", created, created))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM control_plane_runner_credentials`)).
		WithArgs("r1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.MutateRunner(context.Background(), "r1", func(r *Runner, active *Credential) (*Credential, error) {
		return nil, authorize(r, active, "whatever")
	})
	requireKind(t, err, KindAuthenticationFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteRunnerNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM control_plane_runners WHERE id=$1`)).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteRunner(context.Background(), "r1")
	requireKind(t, err, KindNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkStaleRunners(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE control_plane_runners SET state=$1`)).
		WithArgs(RunnerStateOffline, RunnerStateIdle, RunnerStateBusy, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r2").AddRow("r1"))

	ids, err := store.MarkStaleRunners(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateResourceDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	res := &JobResource{
		ID:           "res1",
		JobID:        "j1",
		ResourceType: ResourceInput,
		File:         "user_alice/job_j1/a.txt",
		Filename:     "a.txt",
		CreatedAt:    time.Now().UTC(),
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_resources`)).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "unique_job_file"})

	err := store.CreateResource(context.Background(), res)
	requireKind(t, err, KindDuplicateResource)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_resources`)).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})
	err = store.CreateResource(context.Background(), res)
	requireKind(t, err, KindNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListResourcesFilters(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.job_id=$1 AND r.file ILIKE '%' || $2 || '%' AND j.assigned_runner=$3`)).
		WithArgs("j1", "log", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "resource_type", "file", "filename", "description", "original_file_path", "size", "created_by", "created_at"}).
			AddRow("res1", "j1", "LOG", "user_alice/job_j1/run.log", "run.log", "", "", int64(12), nil, created))

	items, err := store.ListResources(context.Background(), ResourceFilter{JobID: "j1", Filename: "log", AssignedRunner: "r1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, ResourceLog, items[0].ResourceType)
	require.Nil(t, items[0].CreatedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateJobBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cols := []string{"id", "name", "priority", "status", "created_by", "assigned_runner", "application_id", "executable",
		"command_line_args", "working_directory", "local_working_directory", "exit_code", "version", "created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE id=$1 FOR UPDATE`)).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("j1", "job", 0, "QUEUED", "alice", "r1", nil, "/bin/true",
			[]byte(`["-v"]`), nil, "user_alice/job_j1", nil, int64(3), created, created))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET name=$2`)).
		WithArgs("j1", "job", 0, JobStatusRunning, "r1", nil, "/bin/true", []byte(`["-v"]`), nil, nil, int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.UpdateJob(context.Background(), "j1", func(j *Job) error {
		require.Equal(t, []string{"-v"}, j.CommandLineArgs)
		require.True(t, j.AssignedTo("r1"))
		j.Status = JobStatusRunning
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, job.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
