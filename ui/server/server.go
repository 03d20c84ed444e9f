// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/olivere/mongoqueue"
)

//go:embed public
var public embed.FS

const (
	defaultInterval = 1 * time.Second
	defaultLimit    = 25
)

// Server is a simple web server with a WebSocket backend. It broadcasts
// the state of a queue to all connected clients.
type Server struct {
	q         *mongoqueue.Queue
	logger    mongoqueue.Logger
	hub       *hub
	interval  time.Duration
	limit     int
	publicDir string
}

// Option is the signature of an options provider for Server.
type Option func(*Server)

// SetInterval specifies how often the state is broadcast.
// It is 1 second by default.
func SetInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// SetLimit specifies the maximum number of jobs per state that are sent
// to clients.
func SetLimit(n int) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.limit = n
		}
	}
}

// SetLogger specifies the logger to use.
func SetLogger(logger mongoqueue.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// SetPublicDir specifies a directory with the static files of the
// dashboard. The built-in dashboard is served by default.
func SetPublicDir(dir string) Option {
	return func(srv *Server) {
		srv.publicDir = dir
	}
}

// New initializes a new Server.
func New(q *mongoqueue.Queue, options ...Option) *Server {
	srv := &Server{
		q:        q,
		logger:   nopLogger{},
		hub:      newHub(),
		interval: defaultInterval,
		limit:    defaultLimit,
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// Handler returns the HTTP handler of the server. Websocket requests are
// rejected with 503 Service Unavailable unless Run is running.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{srv: srv})
	if srv.publicDir != "" {
		r.Handle("/", http.FileServer(http.Dir(srv.publicDir)))
	} else {
		sub, _ := fs.Sub(public, "public")
		r.Handle("/", http.FileServer(http.FS(sub)))
	}
	return r
}

// Run broadcasts the state of the queue until ctx is canceled. It must be
// called at most once.
func (srv *Server) Run(ctx context.Context) {
	srv.hub.start(ctx)
	srv.watch(ctx)
}

// Serve starts the web server at the given address and blocks until ctx
// is canceled or the server fails. It broadcasts like Run, so do not call
// both.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv.hub.start(ctx)
	go srv.watch(ctx)

	hs := &http.Server{Addr: addr, Handler: srv.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// State is the current state of the job queue.
type State struct {
	Type      string            `json:"type"`
	Stats     *mongoqueue.Stats `json:"stats,omitempty"`
	Available []*mongoqueue.Job `json:"available,omitempty"`
	Locked    []*mongoqueue.Job `json:"locked,omitempty"`
	Exhausted []*mongoqueue.Job `json:"exhausted,omitempty"`
}

// Snapshot returns the current state of the queue.
func (srv *Server) Snapshot(ctx context.Context) (*State, error) {
	state := &State{Type: "SET_STATE"}
	stats, err := srv.q.Stats(ctx)
	if err != nil {
		return nil, err
	}
	state.Stats = stats
	state.Available, err = srv.q.List(ctx, &mongoqueue.ListRequest{State: mongoqueue.Available, Limit: srv.limit})
	if err != nil {
		return nil, err
	}
	state.Locked, err = srv.q.List(ctx, &mongoqueue.ListRequest{State: mongoqueue.Locked, Limit: srv.limit})
	if err != nil {
		return nil, err
	}
	state.Exhausted, err = srv.q.List(ctx, &mongoqueue.ListRequest{State: mongoqueue.Exhausted, Limit: srv.limit})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (srv *Server) watch(ctx context.Context) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			state, err := srv.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					srv.logger.Printf("unable to read queue state: %v", err)
				}
				continue
			}
			payload, err := json.Marshal(state)
			if err != nil {
				srv.logger.Printf("%v", err)
				continue
			}
			srv.hub.publish(ctx, payload)
		case <-ctx.Done():
			return
		}
	}
}

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
