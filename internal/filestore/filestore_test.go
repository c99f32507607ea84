package filestore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveRemoteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG fake"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := s.SaveRemoteFile(context.Background(), srv.URL+"/img.png", "abc.png")
	if err != nil {
		t.Fatalf("SaveRemoteFile: %v", err)
	}
	if filepath.Dir(path) != dir || filepath.Base(path) != "abc.png" {
		t.Errorf("path = %q, want %s/abc.png", path, dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "\x89PNG fake" {
		t.Errorf("content = %q", data)
	}
	assertNoTempFiles(t, dir)
}

func TestSaveRemoteFileRejectsBadNames(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s, _ := New(t.TempDir())
	for _, name := range []string{"", " ", ".", "..", "../escape.png", "a/b.png", `a\b.png`} {
		if _, err := s.SaveRemoteFile(context.Background(), srv.URL, name); err == nil {
			t.Errorf("SaveRemoteFile(%q) should fail", name)
		}
	}
	if hits != 0 {
		t.Errorf("server hits = %d, want 0", hits)
	}
}

func TestSaveRemoteFileErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			w.Write([]byte(strings.Repeat("a", 64)))
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, _ := New(dir, WithMaxBytes(16))

	if _, err := s.SaveRemoteFile(context.Background(), srv.URL+"/missing", "a.png"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("404 err = %v, want status error", err)
	}
	if _, err := s.SaveRemoteFile(context.Background(), srv.URL+"/big", "b.png"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize err = %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.png")); !os.IsNotExist(err) {
		t.Error("oversize download should not leave a file behind")
	}
	assertNoTempFiles(t, dir)
}

func TestSaveRemoteFileCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s, _ := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.SaveRemoteFile(ctx, srv.URL, "c.png"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".download-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
