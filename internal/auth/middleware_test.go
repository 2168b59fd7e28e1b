package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	fabricauth "github.com/wisbric/nightowl/pkg/auth"
)

func TestJoinTokenRejectsMissingOrWrongHeader(t *testing.T) {
	h := JoinToken("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/nodes/register", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req.Header.Set("X-Node-Join-Token", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNodeBearerRejectsWrongNodeID(t *testing.T) {
	tokens := fabricauth.NewNodeTokenManager("secret", time.Hour)
	token, _, err := tokens.Issue("node-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := chi.NewRouter()
	r.With(NodeBearer(tokens)).Get("/nodes/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		id, _ := NodeIDFromContext(r.Context())
		w.Header().Set("X-Node-ID", id)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/nodes/node-2/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for mismatched node id", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/nodes/node-1/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Node-ID") != "node-1" {
		t.Fatalf("node id = %q, want node-1", rec.Header().Get("X-Node-ID"))
	}
}

func TestAdminKeyRejectsWrongKey(t *testing.T) {
	h := AdminKey("admin-secret", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/nodes", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req.Header.Set("X-API-Key", "admin-secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
