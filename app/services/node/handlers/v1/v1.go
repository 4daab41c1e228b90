// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/ardanlabs/blocksync/app/services/node/handlers/v1/private"
	"github.com/ardanlabs/blocksync/app/services/node/handlers/v1/public"
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/ardanlabs/blocksync/foundation/events"
	"github.com/ardanlabs/blocksync/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis", pbl.Genesis)
	app.Handle(http.MethodGet, version, "/chain/status", pbl.Status)
	app.Handle(http.MethodGet, version, "/chain/best", pbl.BestBlock)
	app.Handle(http.MethodGet, version, "/chain/blocks/:number", pbl.BlocksByNumber)
	app.Handle(http.MethodGet, version, "/chain/infos/:number", pbl.BlockInfos)
	app.Handle(http.MethodGet, version, "/chain/hash/:hash", pbl.BlockByHash)
	app.Handle(http.MethodGet, version, "/chain/queue", pbl.Queue)
	app.Handle(http.MethodGet, version, "/peers/list", pbl.Peers)
	app.Handle(http.MethodGet, version, "/tx/uncommitted/list", pbl.Mempool)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitTransaction)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodPost, version, "/node/msg", prv.Message)
	app.Handle(http.MethodPost, version, "/node/disconnect", prv.Disconnect)
	app.Handle(http.MethodPost, version, "/node/peers", prv.SubmitPeer)
	app.Handle(http.MethodGet, version, "/node/block/list/:from/:to", prv.BlocksByNumber)
}
