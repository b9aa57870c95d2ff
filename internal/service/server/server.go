// Package server binds the relay, the delivery coordinator and the live
// fast path to HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/delivery"
	"tdmx_relay/internal/service/notifier"
	"tdmx_relay/internal/service/relay"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	// Store is what the HTTP layer reads directly.
	Store interface {
		GetChunk(ctx context.Context, msgID string, pos int) (*model.Chunk, error)
		GetChannel(ctx context.Context, id string) (*model.Channel, error)
		GetReceipt(ctx context.Context, msgID string) (*model.DeliveryReceipt, error)
	}

	Options struct {
		// PublicAddr is the address other nodes reach this one at.
		PublicAddr string
		MaxWait    time.Duration
		RateLimit  float64
		RateBurst  int
	}

	HttpServer struct {
		relay   *relay.Service
		coord   *delivery.Coordinator
		store   Store
		hub     *Hub
		local   notifier.Transferer
		cache   notifier.EndpointCache
		opts    Options
		limiter *peerLimiter
	}
)

func NewHttpServer(relaySvc *relay.Service, coord *delivery.Coordinator, store Store, hub *Hub, local notifier.Transferer, cache notifier.EndpointCache, opts Options) *HttpServer {
	return &HttpServer{
		relay:   relaySvc,
		coord:   coord,
		store:   store,
		hub:     hub,
		local:   local,
		cache:   cache,
		opts:    opts,
		limiter: newPeerLimiter(opts.RateLimit, opts.RateBurst),
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	peers := r.PathPrefix("/relay").Subrouter()
	peers.Use(s.limiter.middleware)
	peers.HandleFunc("/sessions", s.OpenSession()).Methods(http.MethodPost)
	peers.HandleFunc("/sessions/{sid}", s.Relay()).Methods(http.MethodPost)
	peers.HandleFunc("/sessions/{sid}", s.CloseSession()).Methods(http.MethodDelete)

	r.HandleFunc("/receive/{destination}", s.Receive()).Methods(http.MethodGet)
	r.HandleFunc("/messages/{msgId}/chunks/{pos:[0-9]+}", s.GetChunk()).Methods(http.MethodGet)
	r.HandleFunc("/tx", s.Recover()).Methods(http.MethodGet)
	r.HandleFunc("/tx/{txId}/{op:prepare|commit|rollback|forget}", s.Complete()).Methods(http.MethodPost)
	r.HandleFunc("/channels/{channelId}/session", s.GetDestinationSession()).Methods(http.MethodGet)
	r.HandleFunc("/receipts/{msgId}", s.GetReceipt()).Methods(http.MethodGet)

	r.HandleFunc("/live", s.HandleLiveWS()).Methods(http.MethodGet)
	r.HandleFunc("/transfer", s.Transfer()).Methods(http.MethodPost)
	return r
}

// Run serves on addr until ctx ends.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// Large enough for one chunk plus its header.
const maxBodyBytes = 32 << 20
