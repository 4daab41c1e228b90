// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ardanlabs/blocksync/business/sys/validate"
	v1 "github.com/ardanlabs/blocksync/business/web/v1"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainsync"
	"github.com/ardanlabs/blocksync/foundation/blockchain/peer"
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/ardanlabs/blocksync/foundation/blockchain/transport"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/ardanlabs/blocksync/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// Status returns the current status of the node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Status(), http.StatusOK)
}

// Message hands a sync message sent by another node to its handler.
func (h Handlers) Message(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var env wire.Envelope
	if err := web.Decode(r, &env); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(envelope{From: env.From, FromHost: env.FromHost}); err != nil {
		return err
	}

	if err := h.State.Deliver(env); err != nil {
		switch {
		case errors.Is(err, state.ErrBannedPeer):
			return v1.NewRequestError(err, http.StatusForbidden)
		case errors.Is(err, state.ErrUnknownPeer), errors.Is(err, state.ErrDuplicate):
			return v1.NewRequestError(err, http.StatusConflict)
		case errors.Is(err, chainsync.ErrUnsupportedVersion):
			return v1.NewRequestError(err, http.StatusNotAcceptable)
		}
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Disconnect closes the connection of a node that is leaving.
func (h Handlers) Disconnect(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var notice transport.Notice
	if err := web.Decode(r, &notice); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	h.State.Disconnected(notice)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// SubmitPeer is called by a node so they can be added to the known peer list.
func (h Handlers) SubmitPeer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var pr peer.Peer
	if err := web.Decode(r, &pr); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if pr.Host == "" || pr.Match(h.State.Host()) {
		return v1.NewRequestError(errors.New("invalid peer host"), http.StatusBadRequest)
	}

	if !h.State.KnownPeers().Add(pr) {
		return web.Respond(ctx, w, nil, http.StatusOK)
	}

	h.Log.Infow("adding peer", "traceid", v.TraceID, "host", pr.Host)

	return web.Respond(ctx, w, nil, http.StatusCreated)
}

// BlocksByNumber returns the main chain blocks between the from and to
// numbers.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	fromStr := web.Param(r, "from")
	if fromStr == "latest" || fromStr == "" {
		fromStr = fmt.Sprintf("%d", state.QueryLastest)
	}

	toStr := web.Param(r, "to")
	if toStr == "latest" || toStr == "" {
		toStr = fmt.Sprintf("%d", state.QueryLastest)
	}

	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}
	to, err := strconv.ParseUint(toStr, 10, 64)
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	if from > to {
		return v1.NewRequestError(errors.New("from greater than to"), http.StatusBadRequest)
	}

	blocks := h.State.QueryBlocksByNumber(from, to)
	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// =============================================================================

type envelope struct {
	From     string `json:"from" validate:"required"`
	FromHost string `json:"from_host" validate:"required,hostname_port"`
}

