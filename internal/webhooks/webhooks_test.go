package webhooks_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/logging"
	"github.com/lherron/upm/internal/webhooks"
)

func TestResolveTargets(t *testing.T) {
	urls := []string{
		"http://example.com/hook/{migration_id}",
		"ftp://invalid.example.com/hook",
		" http://example.com/hook/{migration_id}/ ",
		"http://example.com/{operation}/",
		"",
	}
	payload := webhooks.Payload{MigrationID: "d7_user", Operation: "import"}

	got := webhooks.ResolveTargets(urls, payload, logging.Discard())
	want := []string{
		"http://example.com/hook/d7_user",
		"http://example.com/import",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveTargets = %v, want %v", got, want)
	}
}

func TestNewWithoutURLs(t *testing.T) {
	d := webhooks.New(nil, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher without urls")
	}
	// A nil dispatcher ignores runs.
	d.RunFinished(&domain.Run{MigrationID: "d7_user"})
}

func TestRunFinishedPostsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhooks.Payload
		paths    []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p webhooks.Payload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		mu.Lock()
		received = append(received, p)
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()

	finished := time.Now().UTC()
	msg := "no such table"
	run := &domain.Run{
		UUID:        "run-1",
		MigrationID: "d7_node",
		Operation:   "import",
		Counts:      domain.RunCounts{Processed: 3, Imported: 2, Failed: 1},
		Error:       &msg,
		StartedAt:   finished.Add(-time.Second),
		FinishedAt:  &finished,
	}

	d := webhooks.New([]string{srv.URL + "/runs/{migration_id}", srv.URL + "/all"}, logging.Discard())
	d.RunFinished(run)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d payloads, want 2", len(received))
	}
	for _, p := range received {
		if p.RunUUID != "run-1" || p.MigrationID != "d7_node" || p.Counts.Imported != 2 {
			t.Errorf("payload = %+v", p)
		}
		if p.Error == nil || *p.Error != msg {
			t.Errorf("payload error = %v, want %q", p.Error, msg)
		}
	}
	seen := map[string]bool{}
	for _, p := range paths {
		seen[p] = true
	}
	if !seen["/runs/d7_node"] || !seen["/all"] {
		t.Errorf("paths = %v", paths)
	}
}

func TestRunFinishedToleratesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	addr := srv.URL
	srv.Close()

	d := webhooks.New([]string{addr + "/gone"}, logging.Discard())
	d.RunFinished(&domain.Run{UUID: "run-2", MigrationID: "d7_user", Operation: "rollback"})
}
