package command

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildSubmitCreateFromFile(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "solution.py")
	if err := os.WriteFile(sourcePath, []byte("print('hi')"), 0o600); err != nil {
		t.Fatalf("write temp source failed: %v", err)
	}

	cmd := Registry()["submit create"]
	params := Params{}
	params.Set("problem_id", "1")
	params.Set("language_id", "2")
	params.Set("file", sourcePath)

	req, err := BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Method != "POST" || req.Path != "/api/v1/submissions" {
		t.Fatalf("unexpected request: %s %s", req.Method, req.Path)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body failed: %v", err)
	}
	if payload["code"] != "print('hi')" {
		t.Fatalf("code = %q, want file contents", payload["code"])
	}
	if payload["problem_id"].(float64) != 1 || payload["language_id"].(float64) != 2 {
		t.Fatalf("unexpected ids in payload: %v", payload)
	}
}

func TestBuildSubmitCreateRequiresCode(t *testing.T) {
	cmd := Registry()["submit create"]
	params := Params{}
	params.Set("problem_id", "1")
	params.Set("language_id", "2")

	if _, err := BuildRequest(cmd, params); err == nil {
		t.Fatal("expected error when neither code nor file is given")
	}
}

func TestBuildSubmitCreateInlineCodeWins(t *testing.T) {
	cmd := Registry()["submit create"]
	params := Params{}
	params.Set("problem_id", "3")
	params.Set("language_id", "1")
	params.Set("code", "pass")
	params.Set("file", "/nonexistent/path.py")

	req, err := BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body failed: %v", err)
	}
	if payload["code"] != "pass" {
		t.Fatalf("code = %q, want inline code", payload["code"])
	}
}

func TestBuildPathParams(t *testing.T) {
	cmd := Registry()["submit get"]
	params := Params{}
	params.Set("id", "99")

	req, err := BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/submissions/99" {
		t.Fatalf("path = %q", req.Path)
	}
	if req.Body != nil {
		t.Fatalf("GET request should not carry a body")
	}
}

func TestBuildListQuery(t *testing.T) {
	cmd := Registry()["submit list"]
	params := Params{}
	params.Set("limit", "10")
	params.Set("offset", "20")

	req, err := BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/submissions?limit=10&offset=20" {
		t.Fatalf("path = %q", req.Path)
	}
}

func TestBuildAuthRegisterOmitsEmptyEmail(t *testing.T) {
	cmd := Registry()["auth register"]
	params := Params{}
	params.Set("username", "demo")
	params.Set("password", "secret")

	req, err := BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body failed: %v", err)
	}
	if _, ok := payload["email"]; ok {
		t.Fatal("empty email should be omitted")
	}
	if payload["username"] != "demo" || payload["password"] != "secret" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
