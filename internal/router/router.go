// Package router is a small exact-path HTTP dispatcher with JSON envelopes.
//
// GET and POST routes are matched against the request path in registration
// order; the first match wins. Unmatched GETs fall back to static files,
// unmatched POSTs get a 404 envelope. Handler errors and panics are caught at
// the request boundary and never affect other connections.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"homebox/internal/fsutil"
)

// maxBody bounds a decoded JSON request body.
const maxBody = 1 << 20

var ErrNoPostData = errors.New("no JSON post data")

// Request is what every handler receives. PostData is nil unless the request
// was a POST with a JSON body.
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	Query    url.Values
	PostData json.RawMessage
}

// Bind decodes PostData into v.
func (r *Request) Bind(v any) error {
	if len(r.PostData) == 0 {
		return ErrNoPostData
	}
	return json.Unmarshal(r.PostData, v)
}

// Handler returns a JSON-serializable value or an error.
type Handler func(ctx context.Context, req *Request) (any, error)

// Error lets a handler pick the response status. Any other error is a 500.
// Header is added to the response, e.g. WWW-Authenticate on a 401.
type Error struct {
	Status int
	Err    error
	Header http.Header
}

func (e *Error) Error() string { return fmt.Sprintf("%d: %v", e.Status, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func Errorf(status int, format string, args ...any) error {
	return &Error{Status: status, Err: fmt.Errorf(format, args...)}
}

type Envelope string

const (
	// EnvelopeResult wraps every response as {"success": bool, "result": value}.
	EnvelopeResult Envelope = "result"
	// EnvelopeBare writes the raw value, or {"error": true} for status >= 400.
	EnvelopeBare Envelope = "bare"
)

type NotFound string

const (
	NotFound404      NotFound = "404"
	NotFoundRedirect NotFound = "redirect"
)

type Options struct {
	// Static is the file tree served for unmatched GETs. Nil serves nothing.
	Static   afero.Fs
	Envelope Envelope
	NotFound NotFound
	// MaxConns caps concurrent connections; 0 is unbounded.
	MaxConns int
	// Middleware wraps the dispatcher, outermost first.
	Middleware []func(http.Handler) http.Handler
	Logger     logrus.FieldLogger
}

type route struct {
	path     string
	handlers []Handler
}

type Server struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	frozen bool
	get    []route
	post   []route
}

func New(opts Options) *Server {
	if opts.Envelope == "" {
		opts.Envelope = EnvelopeResult
	}
	if opts.NotFound == "" {
		opts.NotFound = NotFound404
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{opts: opts, log: log}
}

// Get registers a GET route. Handlers run in order; the last value is returned.
func (s *Server) Get(path string, handlers ...Handler) {
	s.register(&s.get, http.MethodGet, path, handlers)
}

// Post registers a POST route. Handlers run in order; the last value is returned.
func (s *Server) Post(path string, handlers ...Handler) {
	s.register(&s.post, http.MethodPost, path, handlers)
}

func (s *Server) register(list *[]route, method, path string, handlers []Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		panic(fmt.Sprintf("router: %s %s registered after the server started", method, path))
	}
	if len(handlers) == 0 {
		panic(fmt.Sprintf("router: %s %s registered without handlers", method, path))
	}
	*list = append(*list, route{path: path, handlers: handlers})
}

// Handler freezes the route table and returns the dispatcher.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()

	var h http.Handler = http.HandlerFunc(s.dispatch)
	for i := len(s.opts.Middleware) - 1; i >= 0; i-- {
		h = s.opts.Middleware[i](h)
	}
	return h
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, one goroutine each, until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", ln.Addr().String()).Info("server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if rt := match(s.get, r.URL.Path); rt != nil {
			s.run(w, r, rt)
			return
		}
		s.serveStatic(w, r)
	case http.MethodHead:
		if rt := match(s.get, r.URL.Path); rt != nil {
			s.run(headWriter{w}, r, rt)
			return
		}
		s.serveStatic(w, r)
	case http.MethodPost:
		if rt := match(s.post, r.URL.Path); rt != nil {
			s.run(w, r, rt)
			return
		}
		s.writeEnvelope(w, http.StatusNotFound, nil)
	default:
		s.writeEnvelope(w, http.StatusNotImplemented, nil)
	}
}

func match(routes []route, path string) *route {
	for i := range routes {
		if routes[i].path == path {
			return &routes[i]
		}
	}
	return nil
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, rt *route) {
	log := s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})
	req, err := newRequest(r)
	if err != nil {
		log.WithError(err).Error("decode request body")
		s.writeEnvelope(w, http.StatusInternalServerError, nil)
		return
	}
	v, err := call(r.Context(), rt.handlers, req)
	if err != nil {
		status := http.StatusInternalServerError
		var herr *Error
		if errors.As(err, &herr) {
			status = herr.Status
			for k, vs := range herr.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
		}
		if status >= http.StatusInternalServerError {
			log.WithError(err).Error("handler failed")
		} else {
			log.WithError(err).Warn("handler rejected request")
		}
		s.writeEnvelope(w, status, nil)
		return
	}
	s.writeEnvelope(w, http.StatusOK, v)
}

// headWriter answers HEAD on a GET route with the GET headers and no body.
type headWriter struct{ http.ResponseWriter }

func (headWriter) Write(b []byte) (int, error) { return len(b), nil }

func call(ctx context.Context, handlers []Handler, req *Request) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	for _, h := range handlers {
		if v, err = h(ctx, req); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func newRequest(r *http.Request) (*Request, error) {
	req := &Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Query:  r.URL.Query(),
	}
	if r.Method != http.MethodPost || r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return req, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBody)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("body is not valid JSON")
	}
	req.PostData = json.RawMessage(body)
	return req, nil
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if s.opts.Static == nil {
		s.notFound(w, r)
		return
	}
	p, st, ok := fsutil.RegularFile(s.opts.Static, "/"+fsutil.CleanRelPath(r.URL.Path))
	if !ok {
		s.notFound(w, r)
		return
	}
	f, err := s.opts.Static.Open(p)
	if err != nil {
		s.log.WithError(err).WithField("path", p).Error("open static file")
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	if s.opts.NotFound == NotFoundRedirect && r.URL.Path != "/" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.NotFound(w, r)
}

type resultEnvelope struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

var errorBody = map[string]bool{"error": true}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, v any) {
	var body any
	switch s.opts.Envelope {
	case EnvelopeBare:
		if status >= http.StatusBadRequest {
			body = errorBody
		} else {
			body = v
		}
	default:
		body = resultEnvelope{Success: status < http.StatusBadRequest, Result: v}
	}
	b, err := encodeJSON(body)
	if err != nil {
		s.log.WithError(err).Error("encode response")
		status = http.StatusInternalServerError
		if s.opts.Envelope == EnvelopeBare {
			b, _ = encodeJSON(errorBody)
		} else {
			b, _ = encodeJSON(resultEnvelope{})
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
