package mediastore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestObjectName(t *testing.T) {
	got := objectName(ObjectMeta{
		Engine: "midjourney",
		Prompt: "A Red Car, racing!!",
		Format: "png",
		Index:  0,
	})
	want := "midjourney_a_red_car_racing_1.png"
	if got != want {
		t.Fatalf("objectName = %q, want %q", got, want)
	}
}

func TestObjectNameFallsBackToJobID(t *testing.T) {
	got := objectName(ObjectMeta{JobID: "abc-123", Prompt: "!!!", Index: 2})
	if got != "abc-123_3.jpg" {
		t.Fatalf("objectName = %q", got)
	}
}

func TestFileStoreWritesAndReturnsURL(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://cdn.example.com/")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	url, err := store.Store(context.Background(), []byte("payload"), ObjectMeta{
		Engine: "dalle",
		Prompt: "blue sky",
		Format: "jpg",
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if url != "https://cdn.example.com/imaginations/dalle_blue_sky_1.jpg" {
		t.Fatalf("unexpected url %q", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, "imaginations", "dalle_blue_sky_1.jpg"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("stored content = %q", data)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	if _, err := sanitizeKey("../../etc/passwd"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
}

func TestHTTPStoreUploads(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-API-Key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("user_id") != "user-1" {
			t.Errorf("user_id = %q", r.FormValue("user_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"url":"https://media.example.com/f/1"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	store, err := NewHTTPStore(HTTPStoreOptions{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}
	url, err := store.Store(context.Background(), []byte("img"), ObjectMeta{UserID: "user-1", Prompt: "x"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if url != "https://media.example.com/f/1" {
		t.Fatalf("url = %q", url)
	}
	if gotAuth != "secret" {
		t.Fatalf("X-API-Key = %q", gotAuth)
	}
}

func TestHTTPStoreErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	store, err := NewHTTPStore(HTTPStoreOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}
	if _, err := store.Store(context.Background(), []byte("img"), ObjectMeta{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for 502 response")
	} else if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error missing status: %v", err)
	}
}
