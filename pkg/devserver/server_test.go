package devserver

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	dest := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "temp/index.html", "<html><body><h1>temp</h1></body></html>")
	writeFile(t, root, "temp/assets/styles/main.css", "h1{color:red}")
	writeFile(t, root, "src/index.html", "<h1>src</h1>")
	writeFile(t, root, "src/assets/images/logo.svg", "<svg/>")
	writeFile(t, root, "public/robots.txt", "User-agent: *")
	writeFile(t, root, "node_modules/lib/lib.css", ".lib{}")
	writeFile(t, root, "secret.txt", "secret")

	s := New(config.Default(root), Options{
		Roots:  []string{"temp", "src", "public"},
		Routes: map[string]string{"/node_modules": "node_modules"},
	})
	return s, root
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServesRootsInOrder(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		target string
		status int
		body   string
	}{
		{"/", http.StatusOK, "<h1>temp</h1>"},
		{"/index.html", http.StatusOK, "<h1>temp</h1>"},
		{"/assets/styles/main.css", http.StatusOK, "h1{color:red}"},
		{"/assets/images/logo.svg", http.StatusOK, "<svg/>"},
		{"/robots.txt", http.StatusOK, "User-agent: *"},
		{"/node_modules/lib/lib.css", http.StatusOK, ".lib{}"},
		{"/missing.js", http.StatusNotFound, ""},
		{"/secret.txt", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		rec := get(t, h, tt.target)
		if rec.Code != tt.status {
			t.Errorf("GET %s: status %d, expected %d", tt.target, rec.Code, tt.status)
			continue
		}
		if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
			t.Errorf("GET %s: unexpected body %q", tt.target, rec.Body.String())
		}
	}
}

func TestStaticFilesStayInsideRoots(t *testing.T) {
	_, root := newTestServer(t)
	h := staticFiles{roots: []http.Dir{http.Dir(filepath.Join(root, "temp"))}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../secret.txt"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("escaped the root: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/index.html", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestInjectsReloadScript(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	body := get(t, h, "/").Body.String()
	if body != `<html><body><h1>temp</h1><script src="/__pages/reload.js"></script></body></html>` {
		t.Fatalf("unexpected page %q", body)
	}

	// CSS and other assets are served untouched
	if body := get(t, h, "/assets/styles/main.css").Body.String(); body != "h1{color:red}" {
		t.Fatalf("unexpected stylesheet %q", body)
	}

	rec := get(t, h, scriptPath)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "EventSource") {
		t.Fatalf("reload script missing: %d %q", rec.Code, rec.Body.String())
	}
}

func TestInjectScript(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"<p>hi</p>", `<p>hi</p><script src="/__pages/reload.js"></script>`},
		{"<BODY>a</BODY>", `<BODY>a<script src="/__pages/reload.js"></script></BODY>`},
	}

	for _, tt := range tests {
		if got := string(injectScript([]byte(tt.in))); got != tt.out {
			t.Errorf("injectScript(%q) = %q", tt.in, got)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/robots.txt")

	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestReloadEvents(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Shutdown(context.Background())

	resp, err := http.Get(ts.URL + eventsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	next := func() string {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("event stream closed")
			}
			return line
		case <-time.After(5 * time.Second):
			t.Fatal("timed out reading the event stream")
		}
		return ""
	}

	if line := next(); line != ": connected" {
		t.Fatalf("unexpected greeting %q", line)
	}
	next()

	// failures don't reload anything
	err = s.Notify(context.Background(), notify.Event{Task: "page", Err: io.ErrUnexpectedEOF})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Notify(context.Background(), notify.Event{
		Task:    "style",
		Summary: fileset.Summary{Paths: []string{"assets/styles/main.css"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if line := next(); line != "event: reload" {
		t.Fatalf("unexpected event %q", line)
	}
	if line := next(); line != `data: {"task":"style","paths":["assets/styles/main.css"]}` {
		t.Fatalf("unexpected data %q", line)
	}
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Server.Host = "127.0.0.1"
	s.cfg.Server.Port = 0

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/robots.txt")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
