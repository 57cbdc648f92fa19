// Package e2e drives the assembled service (journal, engine, HTTP API)
// through its public HTTP surface the way the daemon wires it.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emberworks/bellows/internal/api"
	"github.com/emberworks/bellows/internal/engine"
	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/journal"
)

const pollInterval = 10 * time.Millisecond

// startStack wires journal, engine, and HTTP server like cmd/bellowsd,
// backed by an in-memory journal and a fixed set of test handlers.
func startStack(t *testing.T, workers int) *httptest.Server {
	t.Helper()

	jour, err := journal.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { jour.Close() })

	reg := handler.NewRegistry()
	reg.Register("render", func(_ context.Context, _ handler.Request) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]string{"status": "rendered"}, nil
	})
	reg.Register("explode", func(_ context.Context, _ handler.Request) (any, error) {
		return nil, errors.New("render pipeline exploded")
	})
	reg.Register("progressive", func(_ context.Context, req handler.Request) (any, error) {
		for i := 1; i <= 4; i++ {
			time.Sleep(25 * time.Millisecond)
			req.Progress(float64(i) * 25)
		}
		return "finished", nil
	})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(workers, reg, jour, logger)
	t.Cleanup(eng.Destroy)

	srv := api.NewServer(":0", eng, jour, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// Wire-level response shapes, decoded independently of the server types.
type taskResult struct {
	TaskID string `json:"task_id"`
	Result struct {
		Success         bool            `json:"success"`
		Value           json.RawMessage `json:"value"`
		Error           string          `json:"error"`
		ExecutionTimeMS int             `json:"execution_time_ms"`
		ProgressPct     float64         `json:"progress_pct"`
	} `json:"result"`
}

type poolStats struct {
	TotalWorkers   int `json:"total_workers"`
	ActiveWorkers  int `json:"active_workers"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

// submitTask posts a task and returns its assigned ID.
func submitTask(t *testing.T, baseURL, body string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/v1/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status = %d: %s", resp.StatusCode, b)
	}
	var task struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode submitted task: %v", err)
	}
	if task.ID == "" {
		t.Fatal("empty task id")
	}
	return task.ID
}

// awaitResult polls the task endpoint until a result is available.
func awaitResult(t *testing.T, baseURL, id string, timeout time.Duration) taskResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/v1/tasks/" + id)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			var out taskResult
			err := json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if err != nil {
				t.Fatalf("decode result: %v", err)
			}
			return out
		}
		resp.Body.Close()
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s never finished", id)
	return taskResult{}
}
