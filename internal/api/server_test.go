package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/config"
	"github.com/terra-clan/mainframe-engine/internal/content"
	"github.com/terra-clan/mainframe-engine/internal/models"
	"github.com/terra-clan/mainframe-engine/internal/progression"
)

const testKey = "mk_test_0123456789"

// fakeRepo satisfies storage.Repository for auth lookups; everything else is
// unused by the handlers under test
type fakeRepo struct {
	client *models.ApiClient
}

func (f *fakeRepo) CreateSession(context.Context, *models.Session) error { return nil }
func (f *fakeRepo) GetSession(context.Context, string) (*models.Session, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateSession(context.Context, *models.Session) error { return nil }
func (f *fakeRepo) ListSessions(context.Context, models.ListFilters) ([]*models.Session, error) {
	return nil, nil
}
func (f *fakeRepo) RecordResult(context.Context, *models.LevelResult) error { return nil }
func (f *fakeRepo) ListResults(context.Context, string) ([]*models.LevelResult, error) {
	return nil, nil
}
func (f *fakeRepo) RecordAcquisition(context.Context, *models.Acquisition) error { return nil }
func (f *fakeRepo) GetClientByApiKey(_ context.Context, key string) (*models.ApiClient, error) {
	if f.client != nil && f.client.ApiKey == key {
		return f.client, nil
	}
	return nil, nil
}
func (f *fakeRepo) UpdateClientLastUsed(context.Context, string) error { return nil }
func (f *fakeRepo) Ping(context.Context) error                        { return nil }
func (f *fakeRepo) Close() error                                      { return nil }

// fakeManager satisfies session.Manager with canned responses
type fakeManager struct {
	startErr error
}

func (f *fakeManager) Create(_ context.Context, campaign, playerID string) (*models.Session, error) {
	return &models.Session{ID: "s1", Campaign: campaign, PlayerID: playerID, Status: models.SessionActive}, nil
}
func (f *fakeManager) Get(context.Context, string) (*models.SessionView, error) {
	return &models.SessionView{Session: &models.Session{ID: "s1", Status: models.SessionActive}}, nil
}
func (f *fakeManager) List(context.Context, models.ListFilters) ([]*models.Session, error) {
	return nil, nil
}
func (f *fakeManager) End(context.Context, string) error { return nil }
func (f *fakeManager) Results(context.Context, string) ([]*models.LevelResult, error) {
	return nil, nil
}
func (f *fakeManager) StartLevel(context.Context, string, int) error { return f.startErr }
func (f *fakeManager) Acquire(context.Context, string, int, models.Ref) error {
	return nil
}
func (f *fakeManager) Penalize(context.Context, string, int, time.Duration) error { return nil }
func (f *fakeManager) TickAll(context.Context, time.Time)                         {}
func (f *fakeManager) SweepIdle(context.Context, time.Time, time.Duration)        {}
func (f *fakeManager) Ping(context.Context) error                                 { return nil }
func (f *fakeManager) Close() error                                               { return nil }

func testServer(t *testing.T, mgr *fakeManager, perms []string) *Server {
	t.Helper()

	loader := content.NewLoader()
	loader.Add(&models.Campaign{
		Name: "gibson",
		Levels: []*models.Level{
			{
				ID:   1,
				Name: "Workstation",
				Groups: map[string]*models.ProgramGroup{
					"login": {Name: "login", Quota: 1, Pool: []models.Ref{{Command: "passwordguess", Class: "auth"}}},
				},
				GroupOrder: []string{"login"},
			},
		},
	})

	repo := &fakeRepo{client: &models.ApiClient{
		ID:          1,
		Name:        "test",
		ApiKey:      testKey,
		IsActive:    true,
		Permissions: perms,
	}}

	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 8080}, mgr, loader, NewEventHub(), repo)
}

func doRequest(t *testing.T, s *Server, method, path, key string, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	s := testServer(t, &fakeManager{}, nil)

	rec := doRequest(t, s, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := testServer(t, &fakeManager{}, []string{"*"})

	rec := doRequest(t, s, "GET", "/api/v1/campaigns", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/campaigns", "mk_wrong_key_000", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad key = %d, want 401", rec.Code)
	}
}

func TestPermissionDenied(t *testing.T) {
	s := testServer(t, &fakeManager{}, []string{"sessions:read"})

	rec := doRequest(t, s, "GET", "/api/v1/campaigns", testKey, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetCampaignAndLevel(t *testing.T) {
	s := testServer(t, &fakeManager{}, []string{"campaigns:read"})

	rec := doRequest(t, s, "GET", "/api/v1/campaigns/gibson", testKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("campaign status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/campaigns/gibson/levels/1", testKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("level status = %d, want 200", rec.Code)
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success || resp.Data.Name != "Workstation" {
		t.Errorf("level response = %+v", resp)
	}

	rec = doRequest(t, s, "GET", "/api/v1/campaigns/gibson/levels/42", testKey, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown level status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/campaigns/nope", testKey, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown campaign status = %d, want 404", rec.Code)
	}
}

func TestStartLevelErrorMapping(t *testing.T) {
	s := testServer(t, &fakeManager{startErr: progression.ErrNotUnlocked}, []string{"sessions:write", "sessions:read"})

	rec := doRequest(t, s, "POST", "/api/v1/sessions/s1/levels/1/start", testKey, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	var resp struct {
		Success bool `json:"success"`
		Error   *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != "not_unlocked" {
		t.Errorf("error response = %+v", resp)
	}
}
