/*
   embedserver - local sentence embedding server
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	ServiceName    = "local-embedding-server"
	ServiceTitle   = "Local Embedding Server"
	ServiceVersion = "1.0.0"
)

// Embedder is the loaded model as seen by the HTTP layer.
type Embedder interface {
	Name() string
	Dimension() int
	MaxSeqLength() int
	Device() string
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type WebServer struct {
	conf  *Config
	model Embedder
	docs  []byte
	srv   *http.Server
}

func NewWebServer(conf *Config, model Embedder) (*WebServer, error) {
	ws := &WebServer{
		conf:  conf,
		model: model,
	}

	docs, err := ws.renderDocs()
	if err != nil {
		return nil, err
	}
	ws.docs = docs

	ws.srv = &http.Server{
		Addr:              conf.Addr(),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return ws, nil
}

func (ws *WebServer) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", ws.handleRoot).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health", ws.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/info", ws.handleInfo).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/docs", ws.handleDocs).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/embed", boundary("Embedding error", ws.handleEmbed)).Methods(http.MethodPost)
	r.HandleFunc("/embed/batch", boundary("Batch embedding error", ws.handleEmbedBatch)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}

// corsOptions echoes the caller's origin when every origin is allowed, as a
// literal "*" is not accepted by browsers on credentialed requests.
func corsOptions(origins []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}

	if slices.Contains(origins, "*") {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(string) bool { return true }
	}

	return opts
}

// Handler is the full middleware chain around the router.
func (ws *WebServer) Handler() http.Handler {
	corsHandler := cors.New(corsOptions(ws.conf.CORS.AllowedOrigins))
	return withRequestID(ws.accessLog(corsHandler.Handler(ws.router())))
}

// Start serves in the background. The returned channel yields a listener
// error, if any, and is closed once the server stops.
func (ws *WebServer) Start() <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		log.Printf("Web server started on %s", ws.srv.Addr)
		if err := ws.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return errCh
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.srv.Shutdown(ctx)
}
