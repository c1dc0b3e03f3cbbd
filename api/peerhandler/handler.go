// Package peerhandler receives rebind deals from other committee members.
// Deals are self-authenticating: the receiver checks the dealer signature
// and committee membership.
package peerhandler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/rebind"
)

type Handler struct {
	receiver rebind.Receiver
	log      *slog.Logger
}

func NewHandler(receiver rebind.Receiver, log *slog.Logger) *Handler {
	return &Handler{receiver: receiver, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(rebind.PeerDealPath, h.HandleDeal)
}

// HandleDeal accepts one rebind.DealMessage.
func (h *Handler) HandleDeal(w http.ResponseWriter, r *http.Request) {
	var msg rebind.DealMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, api.MaxJSONBodyBytes)).Decode(&msg); err != nil {
		api.WriteError(w, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err))
		return
	}
	if err := h.receiver.Deliver(r.Context(), &msg); err != nil {
		h.log.Warn("Rebind deal rejected", "dealer", msg.Dealer.Hex(), "epoch", msg.Epoch, "remote", r.RemoteAddr, "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteOK(w, "", nil)
}
