// Package recoveryhandler serves the recovery party's share submission
// endpoint and the public restore status. Submissions authenticate
// through the member signature each share carries.
package recoveryhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/interfaces"
)

// Pool accepts decryption shares.
type Pool interface {
	Submit(ctx context.Context, share *interfaces.DecryptionShare) (int, error)
}

// StatusSource reports restore progress and which keysets are hosted.
type StatusSource interface {
	Hosts(keyset interfaces.KeysetID) bool
	Status() interfaces.RestoreStatus
}

type Handler struct {
	pool   Pool
	status StatusSource
	log    *slog.Logger
}

func NewHandler(pool Pool, status StatusSource, log *slog.Logger) *Handler {
	return &Handler{pool: pool, status: status, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(api.SubmitSharePath, h.HandleSubmitShare)
	r.Get(api.PublicStatusPath, h.HandleStatus)
}

// HandleSubmitShare accepts one decryption share.
//
// Body: api.ShareSubmission
func (h *Handler) HandleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var sub api.ShareSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, api.MaxJSONBodyBytes)).Decode(&sub); err != nil {
		api.WriteError(w, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err))
		return
	}
	share, err := sub.DecryptionShare()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	// the pool keeps its own copy
	defer share.Share.Wipe()
	if !h.status.Hosts(share.Keyset) {
		api.WriteError(w, fmt.Errorf("%w: keyset %q is not hosted by this node", interfaces.ErrMalformedInput, share.Keyset))
		return
	}

	held, err := h.pool.Submit(r.Context(), share)
	if err != nil {
		h.log.Info("Decryption share rejected",
			"keyset", share.Keyset,
			"rootKey", share.RootKey.String(),
			"member", share.MemberIndex,
			"err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteOK(w, "share accepted", map[string]any{"shares_held": held})
}

// HandleStatus serves read-only progress for orchestrators. It carries no
// secret material.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteOK(w, "", map[string]any{"status": h.status.Status()})
}
