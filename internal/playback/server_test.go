package playback

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "render.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeFile_Full(t *testing.T) {
	path := writeVideo(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/renders/file", nil)

	if err := NewServer(nil).ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
	if body, _ := io.ReadAll(rr.Body); string(body) != "0123456789" {
		t.Errorf("body = %q", body)
	}
}

func TestServeFile_Range(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantCode  int
		wantBody  string
		wantRange string
	}{
		{"prefix", "bytes=0-3", http.StatusPartialContent, "0123", "bytes 0-3/10"},
		{"open ended", "bytes=7-", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"suffix", "bytes=-2", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"unsatisfiable", "bytes=20-30", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
	}

	path := writeVideo(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/renders/file", nil)
			req.Header.Set("Range", tt.header)

			if err := NewServer(nil).ServeFile(rr, req, path); err != nil {
				t.Fatalf("ServeFile() error = %v", err)
			}
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := rr.Header().Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantRange)
			}
			if tt.wantBody != "" && rr.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServeFile_Missing(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/renders/file", nil)

	if err := NewServer(nil).ServeFile(rr, req, filepath.Join(t.TempDir(), "gone.mp4")); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
