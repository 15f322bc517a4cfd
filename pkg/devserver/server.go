// Package devserver serves the intermediate build output during development and pushes reload events to
// connected browsers.
package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/unrolled/secure"

	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
)

const (
	eventsPath = "/__pages/events"
	scriptPath = "/__pages/reload.js"
)

const reloadScript = `(function () {
  var source = new EventSource("` + eventsPath + `");
  source.addEventListener("reload", function (e) {
    var info = JSON.parse(e.data);
    var cssOnly = info.paths.length > 0 && info.paths.every(function (p) { return /\.css$/.test(p); });
    if (!cssOnly) {
      window.location.reload();
      return;
    }
    document.querySelectorAll('link[rel="stylesheet"]').forEach(function (link) {
      var url = new URL(link.href);
      url.searchParams.set("_pages", Date.now());
      link.href = url.toString();
    });
  });
})();
`

var scriptTag = []byte(`<script src="` + scriptPath + `"></script>`)

// Options controls what the server serves
type Options struct {
	// Roots are searched in order for every request; the first match wins
	Roots []string
	// Routes maps URL prefixes (i.e. "/node_modules") to directories
	Routes map[string]string
}

type reloadMessage struct {
	Task  string   `json:"task"`
	Paths []string `json:"paths"`
}

// Server is a minimal static file server with live reload. It implements notify.Notifier: every successful
// task run reloads the connected browsers.
type Server struct {
	cfg  *config.Config
	opts Options

	lock    sync.Mutex
	clients map[chan []byte]struct{}
	done    chan struct{}
	closed  bool
	http    *http.Server
	addr    string
}

var _ notify.Notifier = (*Server)(nil)

// New creates a server for cfg. Relative roots and routes are resolved against the project root.
func New(cfg *config.Config, opts Options) *Server {
	resolved := Options{Routes: make(map[string]string, len(opts.Routes))}
	for _, root := range opts.Roots {
		resolved.Roots = append(resolved.Roots, cfg.Path(root))
	}
	for prefix, dir := range opts.Routes {
		resolved.Routes["/"+strings.Trim(prefix, "/")] = cfg.Path(dir)
	}

	return &Server{
		cfg:     cfg,
		opts:    resolved,
		clients: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}
}

// Handler returns the complete HTTP handler including the security and logging middleware
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(eventsPath, s.events).Methods(http.MethodGet)
	r.HandleFunc(scriptPath, serveScript).Methods(http.MethodGet)

	for prefix, dir := range s.opts.Routes {
		r.PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, staticFiles{roots: []http.Dir{http.Dir(dir)}}))
	}

	roots := make([]http.Dir, len(s.opts.Roots))
	for idx, root := range s.opts.Roots {
		roots[idx] = http.Dir(root)
	}
	r.PathPrefix("/").Handler(staticFiles{roots: roots, inject: true})

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	return sm.Handler(logMiddleware(r))
}

// Start listens on the configured host and port and serves requests in the background until Shutdown() is
// called.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", addr)
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout; event streams stay open for as long as the page is
	}

	s.lock.Lock()
	s.http = srv
	s.addr = listener.Addr().String()
	s.lock.Unlock()

	go func() {
		err := srv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			pagelog.Log(ctx).Error().Err(err).Msg("Dev server stopped")
		}
	}()

	pagelog.Log(ctx).Info().Msgf("Serving on http://%s", s.addr)
	return nil
}

// Addr returns the address the server is listening on (empty before Start)
func (s *Server) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.addr
}

// Shutdown disconnects all browsers and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	srv := s.http
	s.lock.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Notify tells every connected browser to reload. Failed task runs don't change any file and are ignored.
func (s *Server) Notify(ctx context.Context, event notify.Event) error {
	if event.Err != nil {
		return nil
	}

	paths := event.Summary.Paths
	if paths == nil {
		paths = []string{}
	}
	msg, err := json.Marshal(reloadMessage{Task: event.Task, Paths: paths})
	if err != nil {
		return eris.Wrap(err, "failed to encode reload event")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for client := range s.clients {
		select {
		case client <- msg:
		default:
			// the browser already has a reload pending
		}
	}

	pagelog.Log(ctx).Debug().Int("clients", len(s.clients)).Msg("Sent reload")
	return nil
}

func (s *Server) subscribe() (chan []byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, false
	}
	ch := make(chan []byte, 1)
	s.clients[ch] = struct{}{}
	return ch, true
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.clients, ch)
}

func (s *Server) events(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, ok := s.subscribe()
	if !ok {
		http.Error(rw, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(ch)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	fmt.Fprint(rw, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case msg := <-ch:
			fmt.Fprintf(rw, "event: reload\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func serveScript(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	io.WriteString(rw, reloadScript)
}

// staticFiles serves the first match for the request path from roots
type staticFiles struct {
	roots  []http.Dir
	inject bool
}

func (h staticFiles) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		rw.Header().Set("Allow", "GET, HEAD")
		http.Error(rw, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := path.Clean("/" + r.URL.Path)
	for _, root := range h.roots {
		f, info, ok := openFile(root, name)
		if !ok {
			continue
		}
		defer f.Close()

		rw.Header().Set("Cache-Control", "no-cache")
		if h.inject && isHTML(info.Name()) {
			content, err := io.ReadAll(f)
			if err != nil {
				pagelog.Log(r.Context()).Error().Err(err).Msgf("Failed to read %s", name)
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			http.ServeContent(rw, r, info.Name(), info.ModTime(), bytes.NewReader(injectScript(content)))
			return
		}

		http.ServeContent(rw, r, info.Name(), info.ModTime(), f)
		return
	}

	http.NotFound(rw, r)
}

// openFile opens name below root; directories resolve to their index.html
func openFile(root http.Dir, name string) (http.File, fs.FileInfo, bool) {
	f, err := root.Open(name)
	if err != nil {
		return nil, nil, false
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, false
	}

	if info.IsDir() {
		f.Close()
		if path.Base(name) == "index.html" {
			return nil, nil, false
		}
		return openFile(root, path.Join(name, "index.html"))
	}

	return f, info, true
}

func isHTML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".html" || ext == ".htm"
}

// injectScript adds the reload script right before </body> or at the end if the page has no body tag
func injectScript(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte(nil), page...), scriptTag...)
	}

	result := make([]byte, 0, len(page)+len(scriptTag))
	result = append(result, page[:idx]...)
	result = append(result, scriptTag...)
	return append(result, page[idx:]...)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ctx := pagelog.WithFields(r.Context(), map[string]string{"req": nanoid.New()})
		pagelog.Log(ctx).Debug().Str("method", r.Method).Msg(r.URL.Path)

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
