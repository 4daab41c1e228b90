// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ardanlabs/blocksync/business/sys/validate"
	v1 "github.com/ardanlabs/blocksync/business/web/v1"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/ardanlabs/blocksync/foundation/events"
	"github.com/ardanlabs/blocksync/foundation/web"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client. The filter
// query parameter takes a comma separated list of package prefixes.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var prefixes []string
	if filter := r.URL.Query().Get("filter"); filter != "" {
		for _, prefix := range strings.Split(filter, ",") {
			prefixes = append(prefixes, strings.TrimSpace(prefix)+":")
		}
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID, prefixes...)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Genesis(), http.StatusOK)
}

// Status returns where the node is with its chain and sync.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	best, err := h.State.QueryBestBlock()
	if err != nil {
		return err
	}

	status := chainStatus{
		NodeID:          h.State.NodeID(),
		NetworkID:       h.State.Genesis().NetworkID,
		GenesisHash:     h.State.Genesis().Hash(),
		Best:            toBlock(best),
		TotalDifficulty: h.State.TotalDifficulty().String(),
		Stats:           h.State.QueryStats(),
		SyncDone:        h.State.Manager().IsSyncDone(),
	}

	if gap, exists := h.State.Manager().GapBlock(); exists {
		hash := gap.Hash()
		status.GapBlock = &hash
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// BestBlock returns the best block of the chain.
func (h Handlers) BestBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	best, err := h.State.QueryBestBlock()
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, toBlock(best), http.StatusOK)
}

// BlocksByNumber returns the main chain block at the number, or the blocks
// up to the to query parameter.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	from, err := strconv.ParseUint(web.Param(r, "number"), 10, 64)
	if err != nil {
		return v1.NewRequestError(fmt.Errorf("invalid number: %w", err), http.StatusBadRequest)
	}

	to := from
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		if to, err = strconv.ParseUint(toStr, 10, 64); err != nil {
			return v1.NewRequestError(fmt.Errorf("invalid to: %w", err), http.StatusBadRequest)
		}
	}

	if from > to {
		return v1.NewRequestError(errors.New("from greater than to"), http.StatusBadRequest)
	}

	const maxRange = 256
	if to-from >= maxRange {
		to = from + maxRange - 1
	}

	blocks := h.State.QueryBlocksByNumber(from, to)
	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, toBlocks(blocks), http.StatusOK)
}

// BlockInfos returns every block known at the number, forks included.
func (h Handlers) BlockInfos(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	number, err := strconv.ParseUint(web.Param(r, "number"), 10, 64)
	if err != nil {
		return v1.NewRequestError(fmt.Errorf("invalid number: %w", err), http.StatusBadRequest)
	}

	infos := h.State.QueryBlockInfos(number)
	if len(infos) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, toBlockInfos(infos), http.StatusOK)
}

// BlockByHash returns the block with the hash whether it's on the main chain
// or not.
func (h Handlers) BlockByHash(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	param := hashParam{Hash: web.Param(r, "hash")}
	if err := validate.Check(param); err != nil {
		return err
	}

	blk, err := h.State.QueryBlockByHash(common.HexToHash(param.Hash))
	if err != nil {
		if errors.Is(err, chainstore.ErrNotFound) {
			return v1.NewRequestError(err, http.StatusNotFound)
		}
		return err
	}

	return web.Respond(ctx, w, toBlock(blk), http.StatusOK)
}

// Peers returns the connected peers.
func (h Handlers) Peers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.QueryPeers(), http.StatusOK)
}

// Mempool returns the pending transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.QueryMempool(), http.StatusOK)
}

// Queue returns the numbers of the blocks waiting for insertion.
func (h Handlers) Queue(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.QueryQueue(), http.StatusOK)
}

// SubmitTransaction adds a new transaction to the pool and shares it with
// the active peers.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var ntx NewTx
	if err := web.Decode(r, &ntx); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(ntx); err != nil {
		return err
	}

	tx := database.Tx{
		Nonce:   ntx.Nonce,
		Payload: common.FromHex(ntx.Payload),
	}

	h.Log.Infow("submit tx", "traceid", v.TraceID, "tx", tx.Hash(), "nonce", tx.Nonce)
	if err := h.State.SubmitTransaction(tx); err != nil {
		return v1.NewRequestError(err, http.StatusServiceUnavailable)
	}

	resp := struct {
		Status string        `json:"status"`
		Hash   database.Hash `json:"hash"`
	}{
		Status: "transaction added to mempool",
		Hash:   tx.Hash(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}
