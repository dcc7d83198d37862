// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package presence answers whether a given detector image of a group has
// been processed.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/embargo-butler/internal/headers"
	"github.com/lsst-dm/embargo-butler/internal/keys"
)

var detectorPattern = regexp.MustCompile(`^R\d\d_S\d\d`)

// Response is the JSON body of every presence reply.
type Response struct {
	Error   bool   `json:"error"`
	Present bool   `json:"present"`
	URI     string `json:"uri,omitempty"`
	Message string `json:"message,omitempty"`
}

type Handler struct {
	client     redis.UniversalClient
	deleteSeen bool
	ll         *slog.Logger
}

// NewHandler returns a handler serving
// GET /presence/{instrument}/{group}/{snap}/{detector}. With deleteSeen
// a found record is deleted once reported.
func NewHandler(client redis.UniversalClient, deleteSeen bool, ll *slog.Logger) *Handler {
	if ll == nil {
		ll = slog.Default()
	}
	return &Handler{
		client:     client,
		deleteSeen: deleteSeen,
		ll:         ll.With(slog.String("component", "presence")),
	}
}

// Register adds the presence route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /presence/{instrument}/{group}/{snap}/{detector}", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instrument := r.PathValue("instrument")
	group := r.PathValue("group")
	detector := r.PathValue("detector")

	if !headers.KnownInstruments.Contains(instrument) {
		writeJSON(w, http.StatusBadRequest, Response{Error: true, Message: "Unknown instrument " + instrument})
		return
	}
	snap, err := strconv.Atoi(r.PathValue("snap"))
	if err != nil || snap < 0 {
		writeJSON(w, http.StatusBadRequest, Response{Error: true, Message: "Unrecognized snap index " + r.PathValue("snap")})
		return
	}
	if !detectorPattern.MatchString(detector) {
		writeJSON(w, http.StatusBadRequest, Response{Error: true, Message: "Unrecognized detector name " + detector})
		return
	}

	ctx := r.Context()
	key := keys.Group(instrument, group, snap, detector)
	uri, err := h.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		h.ll.Debug("No group record", slog.String("key", key))
		writeJSON(w, http.StatusOK, Response{})
		return
	}
	if err != nil {
		h.ll.Error("Error reading group record", slog.String("key", key), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, Response{Error: true, Message: err.Error()})
		return
	}

	h.ll.Info("Found group record", slog.String("key", key))
	if h.deleteSeen {
		if err := h.client.Del(ctx, key).Err(); err != nil {
			h.ll.Warn("Error deleting group record", slog.String("key", key), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, Response{Present: true, URI: uri})
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write presence response", slog.Any("error", fmt.Errorf("encoding: %w", err)))
	}
}
