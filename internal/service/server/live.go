package server

import (
	"context"
	"errors"
	"net/http"
	"tdmx_relay/internal/service/notifier"
	"tdmx_relay/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleLiveWS upgrades a receiver to the live channel. Message ids are
// pushed to it as they arrive; the receiver still takes them through
// Receive.
func (s *HttpServer) HandleLiveWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		destination := r.URL.Query().Get("destination")
		if destination == "" {
			http.Error(w, "destination cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("live upgrade failed", zap.Error(err))
			return
		}

		lc := s.hub.attach(destination, conn)
		ep := &notifier.Endpoint{Address: s.opts.PublicAddr, SessionID: lc.sessionID}
		if err := s.cache.Put(context.Background(), destination, ep); err != nil {
			log.Warn("register live endpoint", zap.String("destination", destination), zap.Error(err))
		}
		log.Info("live receiver connected", zap.String("destination", destination), zap.String("sessionId", lc.sessionID))

		go s.processWSMessage(destination, lc)
	}
}

// processWSMessage only watches for the connection to go away; receivers
// do not send anything on the live channel.
func (s *HttpServer) processWSMessage(destination string, lc *liveConn) {
	for {
		if _, _, err := lc.conn.ReadMessage(); err != nil {
			log.Debug("live socket closed", zap.String("destination", destination), zap.Error(err))
			break
		}
	}
	lc.conn.Close()
	if s.hub.detach(destination, lc) {
		if err := s.cache.Clear(context.Background(), destination); err != nil {
			log.Warn("clear live endpoint", zap.String("destination", destination), zap.Error(err))
		}
	}
}

// Transfer takes a push from another node for a receiver attached here.
func (s *HttpServer) Transfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t notifier.Transfer
		if err := readJSON(w, r, &t); err != nil || t.Destination == "" || t.MsgID == "" {
			http.Error(w, "malformed transfer", http.StatusBadRequest)
			return
		}

		ep, err := s.local.Transfer(r.Context(), nil, &t)
		if errors.Is(err, notifier.ErrNoSuchSession) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("local transfer failed", zap.Error(err))
			http.Error(w, "transfer failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, ep)
	}
}
