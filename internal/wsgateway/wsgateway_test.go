package wsgateway

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wisbric/nightowl/internal/eventbus"
	"github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/verifier"
)

func newTestGateway(t *testing.T) (*Gateway, *eventbus.Hub, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := eventbus.NewHub(nil, logger)

	rank := &scheduler.WeightedRanker{Cfg: scheduler.Config{SingleNodeFallback: true}}
	verify := verifier.NewHashEmbeddingVerifier()
	credits := ledger.New(500, nil)
	hashKeys := auth.NewAssignmentHashKeys("secret", time.Minute)
	st := store.New(rank, verify, credits, hashKeys, true, hub)

	return New(hub, st, logger), hub, st
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", path, err)
	}
	return conn
}

func TestJobStreamSendsInitialSnapshotThenUpdates(t *testing.T) {
	gw, hub, st := newTestGateway(t)
	job := st.SubmitJob(store.JobCreateRequest{Prompt: "hi", Config: fabric.JobConfig{Model: "m-7b", Replicas: 1, MaxTokens: 64}, OwnerID: "user-1"}, 1.0, "")

	r := chi.NewRouter()
	gw.Mount(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/jobs/"+job.ID)
	defer conn.Close()

	var first wireMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading initial snapshot: %v", err)
	}
	if first.Event != "job_update" {
		t.Fatalf("first event = %q, want job_update", first.Event)
	}

	hub.JobUpdated(fabric.Job{ID: job.ID, Status: fabric.JobRunning})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second wireMessage
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("reading pushed update: %v", err)
	}
	if second.Event != "job_update" {
		t.Fatalf("second event = %q, want job_update", second.Event)
	}
}

func TestJobStreamRejectsUnknownJob(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	r := chi.NewRouter()
	gw.Mount(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/does-not-exist"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown job")
	}
	if resp == nil || resp.StatusCode != 404 {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestNetworkStreamSendsInitialSnapshot(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	r := chi.NewRouter()
	gw.Mount(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/network")
	defer conn.Close()

	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading initial network snapshot: %v", err)
	}
	if msg.Event != "network_update" {
		t.Fatalf("event = %q, want network_update", msg.Event)
	}
}
