package server

import (
	"net/http"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *HttpServer) OpenSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.OpenSessionRequest
		if err := readJSON(w, r, &req); err != nil {
			http.Error(w, "malformed session request", http.StatusBadRequest)
			return
		}

		sess, err := s.relay.OpenSession(r.Context(), &req)
		if re, ok := model.AsRelayError(err); ok {
			writeJSON(w, http.StatusOK, model.Failed(re, nil))
			return
		}
		if err != nil {
			log.Error("open relay session failed", zap.Error(err))
			http.Error(w, "open session failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, &model.OpenSessionResponse{SessionID: sess.ID})
	}
}

// Relay answers 200 for every rejection so the peer can tell retryable
// conditions apart. Only local faults become 500.
func (s *HttpServer) Relay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := mux.Vars(r)["sid"]

		var req model.RelayRequest
		if err := readJSON(w, r, &req); err != nil {
			http.Error(w, "malformed relay request", http.StatusBadRequest)
			return
		}

		resp, err := s.relay.Relay(r.Context(), sid, &req)
		if err != nil {
			http.Error(w, "relay failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *HttpServer) CloseSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.relay.CloseSession(r.Context(), mux.Vars(r)["sid"]) {
			http.Error(w, "no such session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetDestinationSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["channelId"]
		ch, err := s.store.GetChannel(r.Context(), id)
		if err != nil {
			log.Error("get channel failed", zap.String("channelId", id), zap.Error(err))
			http.Error(w, "get channel failed", http.StatusInternalServerError)
			return
		}
		if ch == nil || ch.Session == nil {
			http.Error(w, "no destination session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, ch.Session)
	}
}

func (s *HttpServer) GetReceipt() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgID := mux.Vars(r)["msgId"]
		receipt, err := s.store.GetReceipt(r.Context(), msgID)
		if err != nil {
			log.Error("get receipt failed", zap.String("msgId", msgID), zap.Error(err))
			http.Error(w, "get receipt failed", http.StatusInternalServerError)
			return
		}
		if receipt == nil {
			http.Error(w, "no receipt", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	}
}
