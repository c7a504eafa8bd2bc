package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sitedigest/sitedigest/internal/crawler"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := crawler.Job{
		ID:        "job-1",
		RootURL:   "https://example.com/",
		OwnerID:   "owner-1",
		Status:    crawler.JobStatusPending,
		Submitted: now,
		Parameters: crawler.JobParameters{
			MaxDepth: 2,
			MaxPages: 10,
		},
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			job.ID,
			job.RootURL,
			job.OwnerID,
			string(job.Status),
			job.ErrorText,
			mustJSON(t, job.Parameters),
			mustJSON(t, job.Counters),
			job.Submitted,
			job.Started,
			job.Finished,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusRejectsTerminalJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	counters := crawler.JobCounters{PagesCrawled: 1}

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "RUNNING", "", mustJSON(t, counters), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

	err = store.UpdateJobStatus(context.Background(), "job-1", crawler.JobStatusRunning, "", counters)
	require.ErrorContains(t, err, "already COMPLETED")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusMissingJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("missing", "RUNNING", "", mustJSON(t, crawler.JobCounters{}), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM crawl_jobs").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	err = store.UpdateJobStatus(context.Background(), "missing", crawler.JobStatusRunning, "", crawler.JobCounters{})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachSummaryPreservesExisting(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	when := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE crawl_pages").
		WithArgs("job-1", "page-1", "new digest", when, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-1", "page-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err = store.AttachSummary(context.Background(), "job-1", "page-1", "new digest", when, false)
	require.ErrorIs(t, err, crawler.ErrSummaryExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPageError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_pages").
		WithArgs("job-1", "page-1", "summarizer unavailable").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkPageError(context.Background(), "job-1", "page-1", "summarizer unavailable"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	params := crawler.JobParameters{MaxDepth: 3}
	counters := crawler.JobCounters{PagesCrawled: 5, SummariesCompleted: 4}

	rows := pgxmock.NewRows([]string{
		"id", "root_url", "owner_id", "status", "error_text", "parameters",
		"counters", "submitted_at", "started_at", "finished_at",
	}).AddRow(
		"job-1", "https://example.com/", "owner-1", "COMPLETED", "",
		mustJSON(t, params), mustJSON(t, counters), now, &now, &now,
	)
	mock.ExpectQuery("SELECT id, root_url").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, params, job.Parameters)
	require.Equal(t, counters, job.Counters)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)

	mock.ExpectQuery("SELECT id, root_url").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	_, err = store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPagesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "job_id", "url", "depth", "content", "content_hash", "blob_uri",
		"summary", "status", "failure_reason", "fetched_at", "summarized_at",
	}).AddRow(
		"page-1", "job-1", "https://example.com/", 0, "text", "abc", "gs://b/p",
		"digest", "COMPLETED", "", now, &now,
	).AddRow(
		"page-2", "job-1", "https://example.com/about", 1, "more", "def", "",
		"", "ERROR", "summarizer unavailable", now, (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT id, job_id").
		WithArgs("job-1").
		WillReturnRows(rows)

	pages, err := store.ListPages(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, crawler.PageStatusCompleted, pages[0].Status)
	require.Equal(t, "digest", pages[0].Summary)
	require.Equal(t, crawler.PageStatusError, pages[1].Status)
	require.Nil(t, pages[1].SummarizedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}
