package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

func TestStreamHandler_TerminalTaskEmitsOneEvent(t *testing.T) {
	done := time.Now()
	f := newFixture(domain.Task{
		TaskID: "t1", UserID: "u1", Status: domain.TaskCompleted, CompletedAt: &done,
	})

	rec := doJSON(t, f.router, http.MethodGet, "/v1/analysis/t1/stream", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: completed\n")
	assert.Contains(t, body, `"task_id":"t1"`)
	assert.Equal(t, 1, strings.Count(body, "event: "), "exactly one event for a terminal task")
}

func TestStreamHandler_UnknownTaskIsJSONError(t *testing.T) {
	f := newFixture()
	rec := doJSON(t, f.router, http.MethodGet, "/v1/analysis/ghost/stream", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestStreamHandler_EmitsProgressThenTerminal(t *testing.T) {
	f := newFixture(domain.Task{TaskID: "t1", UserID: "u1", Status: domain.TaskRunning})
	f.progress.Save(context.Background(), domain.ProgressSnapshot{
		TaskID: "t1", Status: domain.TaskRunning, Progress: 30,
		CurrentStep: "news analysis", LastUpdate: time.Unix(1, 0),
	})

	go func() {
		time.Sleep(15 * time.Millisecond)
		f.progress.Save(context.Background(), domain.ProgressSnapshot{
			TaskID: "t1", Status: domain.TaskCompleted, Progress: 100, LastUpdate: time.Unix(2, 0),
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/analysis/t1/stream", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: progress\n")
	assert.Contains(t, body, "event: completed\n")
	first := strings.Index(body, "event: progress")
	last := strings.Index(body, "event: completed")
	assert.Less(t, first, last, "terminal event comes last")
}
