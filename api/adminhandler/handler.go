// Package adminhandler serves the operator's /web/admin endpoints. Every
// route sits behind the SIWE admin verifier.
package adminhandler

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
	"github.com/ruteri/keyset-restore/lifecycle"
)

// Store accepts the operator uploads.
type Store interface {
	// SetBlinders installs copies; the caller keeps ownership of blinders.
	SetBlinders(ctx context.Context, keyset interfaces.KeysetID, blinders *interfaces.Blinders) error
	SetKeyBackup(ctx context.Context, keyset interfaces.KeysetID, body io.Reader) (interfaces.ContentID, error)
}

// Lifecycle is the part of the controller the admin surface drives.
type Lifecycle interface {
	Keysets() []interfaces.KeysetID
	Hosts(keyset interfaces.KeysetID) bool
	Abort(ctx context.Context, mode lifecycle.AbortMode) error
	Status() interfaces.RestoreStatus
}

// Authenticator wraps the admin routes.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

type Handler struct {
	store     Store
	lifecycle Lifecycle
	auth      Authenticator
	log       *slog.Logger
}

func NewHandler(store Store, lc Lifecycle, auth Authenticator, log *slog.Logger) *Handler {
	return &Handler{store: store, lifecycle: lc, auth: auth, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Post(api.SetBlindersPath, h.HandleSetBlinders)
		r.Post(api.SetKeyBackupPath, h.HandleSetKeyBackup)
		r.Post(api.AbortRestorePath, h.HandleAbortRestore)
		r.Get(api.AdminStatusPath, h.HandleStatus)
	})
}

// resolveKeyset picks the keyset a request targets. An empty id means the
// node's only hosted keyset.
func (h *Handler) resolveKeyset(id string) (interfaces.KeysetID, error) {
	if id == "" {
		hosted := h.lifecycle.Keysets()
		if len(hosted) != 1 {
			return "", fmt.Errorf("%w: node hosts %d keysets, %s is required", interfaces.ErrMalformedInput, len(hosted), api.KeysetQueryParam)
		}
		return hosted[0], nil
	}
	keyset, err := interfaces.NewKeysetID(id)
	if err != nil {
		return "", err
	}
	if !h.lifecycle.Hosts(keyset) {
		return "", fmt.Errorf("%w: keyset %q is not hosted by this node", interfaces.ErrMalformedInput, keyset)
	}
	return keyset, nil
}

// HandleSetBlinders installs the per-curve blinders of a keyset.
//
// Body: {"bls_blinder": "<hex>", "k256_blinder": "<hex>", "keyset_id": "<optional>"}
func (h *Handler) HandleSetBlinders(w http.ResponseWriter, r *http.Request) {
	var req api.SetBlindersRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, api.MaxJSONBodyBytes)).Decode(&req); err != nil {
		api.WriteError(w, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err))
		return
	}
	keyset, err := h.resolveKeyset(req.Keyset)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	blinders, err := req.Parse()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	defer blinders.Wipe()
	if err := h.store.SetBlinders(r.Context(), keyset, blinders); err != nil {
		h.log.Warn("set_blinders rejected", "keyset", keyset, "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteOK(w, "blinders set", map[string]any{"keyset_id": keyset})
}

// HandleSetKeyBackup accepts the node's backup tarball as the raw body.
// The optional keyset_id query parameter must match the bundle manifest.
func (h *Handler) HandleSetKeyBackup(w http.ResponseWriter, r *http.Request) {
	keyset, err := h.resolveKeyset(r.URL.Query().Get(api.KeysetQueryParam))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	id, err := h.store.SetKeyBackup(r.Context(), keyset, r.Body)
	if err != nil {
		h.log.Warn("set_key_backup rejected", "keyset", keyset, "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteOK(w, "key backup accepted", map[string]any{
		"keyset_id":  keyset,
		"content_id": id.String(),
	})
}

// HandleAbortRestore ends a restore by operator decision.
//
// Body: {"mode": "discard" | "retain"}
func (h *Handler) HandleAbortRestore(w http.ResponseWriter, r *http.Request) {
	var req api.AbortRestoreRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, api.MaxJSONBodyBytes)).Decode(&req); err != nil {
		api.WriteError(w, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err))
		return
	}
	mode, err := lifecycle.ParseAbortMode(req.Mode)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if err := h.lifecycle.Abort(r.Context(), mode); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteOK(w, "restore aborted", map[string]any{"mode": mode})
}

// HandleStatus returns the full restore status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteOK(w, "", map[string]any{"status": h.lifecycle.Status()})
}
