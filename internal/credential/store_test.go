package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeToken(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write token fixture: %v", err)
	}
	return path
}

func TestStoreReadNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Read(filepath.Join(t.TempDir(), "missing.json"))
	if err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreReadParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeToken(t, dir, "bad.json", "{not json")
	s := NewStore()
	_, err := s.Read(path)
	if err != ErrParse {
		t.Fatalf("want ErrParse, got %v", err)
	}
}

func TestStoreReadCamelAndProjectsFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeToken(t, dir, "tok.json", `{
		"AccessToken": "tok-123",
		"refresh_token": "ref-456",
		"projects": [{"projectId": "proj-1"}]
	}`)
	s := NewStore()
	snap, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.AccessToken != "tok-123" {
		t.Errorf("AccessToken = %q", snap.AccessToken)
	}
	if snap.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want fallback from projects[0]", snap.ProjectID)
	}
}

func TestEvaluateMissing(t *testing.T) {
	st := Evaluate(nil, time.Now(), 0)
	if st.Status != StatusMissing {
		t.Fatalf("Status = %v, want Missing", st.Status)
	}
}

func TestEvaluateAPIKeyOnly(t *testing.T) {
	st := Evaluate(&TokenSnapshot{APIKey: "sk-abc"}, time.Now(), 0)
	if st.Status != StatusAPIKeyOnly {
		t.Fatalf("Status = %v, want APIKeyOnly", st.Status)
	}
}

func TestEvaluateRefreshOnly(t *testing.T) {
	st := Evaluate(&TokenSnapshot{RefreshToken: "ref-1"}, time.Now(), 0)
	if st.Status != StatusRefreshOnly {
		t.Fatalf("Status = %v, want RefreshOnly", st.Status)
	}
}

func TestEvaluateValidNoExpiry(t *testing.T) {
	st := Evaluate(&TokenSnapshot{AccessToken: "tok"}, time.Now(), 0)
	if st.Status != StatusValid {
		t.Fatalf("Status = %v, want Valid", st.Status)
	}
}

func TestEvaluateExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute).UnixMilli()
	st := Evaluate(&TokenSnapshot{AccessToken: "tok", ExpiresAt: past}, now, DefaultSkew)
	if st.Status != StatusExpired {
		t.Fatalf("Status = %v, want Expired", st.Status)
	}
}

func TestEvaluateExpiringWithinSkew(t *testing.T) {
	now := time.Now()
	soon := now.Add(30 * time.Second).UnixMilli()
	st := Evaluate(&TokenSnapshot{AccessToken: "tok", ExpiresAt: soon}, now, DefaultSkew)
	if st.Status != StatusExpiring {
		t.Fatalf("Status = %v, want Expiring", st.Status)
	}
}

func TestEvaluateValidBeyondSkew(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour).UnixMilli()
	st := Evaluate(&TokenSnapshot{AccessToken: "tok", ExpiresAt: later}, now, DefaultSkew)
	if st.Status != StatusValid {
		t.Fatalf("Status = %v, want Valid", st.Status)
	}
	if st.MsUntilExpiry <= 0 {
		t.Errorf("MsUntilExpiry = %d, want positive", st.MsUntilExpiry)
	}
}

func TestEvaluateCustomSkew(t *testing.T) {
	now := time.Now()
	soon := now.Add(5 * time.Second).UnixMilli()
	st := Evaluate(&TokenSnapshot{AccessToken: "tok", ExpiresAt: soon}, now, 2*time.Second)
	if st.Status != StatusValid {
		t.Fatalf("Status = %v, want Valid (outside 2s skew)", st.Status)
	}
}
