package server

import (
	"errors"
	"net/http"
	"strconv"
	"tdmx_relay/internal/protocol/delivery"
	"tdmx_relay/internal/repository/channel"
	"tdmx_relay/internal/service/notifier"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Receive long-polls for the next message of a destination and opens a
// delivery transaction for it. 204 means nothing arrived within wait.
func (s *HttpServer) Receive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		destination := mux.Vars(r)["destination"]

		wait := s.opts.MaxWait
		if v := r.URL.Query().Get("wait"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				http.Error(w, "bad wait duration", http.StatusBadRequest)
				return
			}
			wait = min(d, s.opts.MaxWait)
		}

		// Other nodes notify this one while the receiver waits here.
		if err := s.cache.Put(ctx, destination, &notifier.Endpoint{Address: s.opts.PublicAddr}); err != nil {
			log.Warn("register receiver endpoint", zap.String("destination", destination), zap.Error(err))
		}

		d, err := s.coord.Begin(ctx, destination, wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("begin delivery failed", zap.String("destination", destination), zap.Error(err))
			http.Error(w, "begin delivery failed", http.StatusInternalServerError)
			return
		}
		if d == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *HttpServer) GetChunk() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		pos, err := strconv.Atoi(vars["pos"])
		if err != nil {
			http.Error(w, "bad chunk position", http.StatusBadRequest)
			return
		}

		chunk, err := s.store.GetChunk(r.Context(), vars["msgId"], pos)
		if err != nil {
			log.Error("get chunk failed", zap.String("msgId", vars["msgId"]), zap.Int("pos", pos), zap.Error(err))
			http.Error(w, "get chunk failed", http.StatusInternalServerError)
			return
		}
		if chunk == nil {
			http.Error(w, "no such chunk", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, chunk)
	}
}

// Complete runs prepare, commit, rollback or forget on a transaction.
// Commit without ?onePhase=true needs a prior prepare.
func (s *HttpServer) Complete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		txID := vars["txId"]

		var err error
		switch vars["op"] {
		case "prepare":
			err = s.coord.Prepare(ctx, txID)
		case "commit":
			onePhase, _ := strconv.ParseBool(r.URL.Query().Get("onePhase"))
			err = s.coord.Commit(ctx, txID, onePhase)
		case "rollback":
			err = s.coord.Rollback(ctx, txID)
		case "forget":
			err = s.coord.Forget(ctx, txID)
		}

		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, delivery.ErrUnknownTransaction):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, delivery.ErrTransactionBusy),
			errors.Is(err, delivery.ErrNotPrepared),
			errors.Is(err, channel.ErrDeliveryNotFound):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Error("complete transaction failed", zap.String("txId", txID), zap.String("op", vars["op"]), zap.Error(err))
			http.Error(w, "transaction failed", http.StatusInternalServerError)
		}
	}
}

// Recover lists the prepared transactions of a destination.
func (s *HttpServer) Recover() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		destination := r.URL.Query().Get("destination")
		if destination == "" {
			http.Error(w, "destination cannot be empty", http.StatusBadRequest)
			return
		}
		txIDs, err := s.coord.Recover(r.Context(), destination)
		if err != nil {
			log.Error("recover failed", zap.String("destination", destination), zap.Error(err))
			http.Error(w, "recover failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, txIDs)
	}
}
