package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/blocksync/app/services/node/handlers"
	"github.com/ardanlabs/blocksync/business/sys/kv"
	"github.com/ardanlabs/blocksync/business/sys/metrics"
	"github.com/ardanlabs/blocksync/foundation/blockchain/genesis"
	"github.com/ardanlabs/blocksync/foundation/blockchain/peer"
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/ardanlabs/blocksync/foundation/blockchain/worker"
	"github.com/ardanlabs/blocksync/foundation/events"
	"github.com/ardanlabs/blocksync/foundation/logger"
	"github.com/ardanlabs/conf/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		Log struct {
			Level      string `conf:"default:info"`
			File       string
			MaxSizeMB  int `conf:"default:100"`
			MaxAgeDays int `conf:"default:7"`
			MaxBackups int `conf:"default:5"`
		}
		Node struct {
			ID string
		}
		Store struct {
			DataDir             string `conf:"default:zblock/data"`
			Backend             string `conf:"default:leveldb"`
			MaxBlockFileSize    uint32 `conf:"default:0"`
			IndexEntriesPerFile uint32 `conf:"default:0"`
			Strict              bool   `conf:"default:false"`
			MutableRange        uint64 `conf:"default:0"`
		}
		Sync struct {
			Disabled         bool          `conf:"default:false"`
			MaxHashesAsk     int           `conf:"default:192"`
			MaxBlocksAsk     int           `conf:"default:100"`
			ForkCoverBatch   int           `conf:"default:144"`
			MaintainInterval time.Duration `conf:"default:3s"`
			RetryDelay       time.Duration `conf:"default:2s"`
			NetTimeout       time.Duration `conf:"default:10s"`
		}
		Peers struct {
			MaxActive         int           `conf:"default:30"`
			MaxSafeTxs        int           `conf:"default:192"`
			Trusted           []string
			KnownPeers        []string      `conf:"default:0.0.0.0:9080;0.0.0.0:9180"`
			AdmissionInterval time.Duration `conf:"default:1s"`
			DialInterval      time.Duration `conf:"default:1m"`
			MempoolSize       int           `conf:"default:4096"`
		}
		Genesis struct {
			Path string `conf:"default:zblock/genesis.json"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// Switch to the configured logger now the settings are known.
	if cfg.Log.File != "" || cfg.Log.Level != "info" {
		log, err = logger.NewWithConfig("NODE", logger.Config{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return fmt.Errorf("constructing logger: %w", err)
		}
		defer log.Sync()
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Blockchain Support

	gen, err := genesis.Load(cfg.Genesis.Path)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	nodeID, err := loadNodeID(cfg.Store.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("loading node id: %w", err)
	}
	log.Infow("startup", "status", "node identity", "nodeID", nodeID, "network", gen.NetworkID)

	db, err := kv.Open(cfg.Store.Backend, filepath.Join(cfg.Store.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}

	// A peer set is a collection of known nodes in the network so blocks
	// and transactions can be shared.
	peerSet := peer.NewPeerSet()
	for _, host := range cfg.Peers.KnownPeers {
		if host != cfg.Web.PrivateHost {
			peerSet.Add(peer.New(host))
		}
	}

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	send := evts.Handler()
	ev := func(v string, args ...any) {
		log.Debugw(fmt.Sprintf(v, args...), "traceid", "00000000-0000-0000-0000-000000000000")
		send(v, args...)
	}

	// The state value represents the blockchain node and manages the chain
	// store, the block queue, sync and the peers.
	st, err := state.New(state.Config{
		NodeID:              nodeID,
		Host:                cfg.Web.PrivateHost,
		Genesis:             gen,
		KV:                  db,
		QueueDir:            filepath.Join(cfg.Store.DataDir, "queue"),
		MaxBlockFileSize:    cfg.Store.MaxBlockFileSize,
		IndexEntriesPerFile: cfg.Store.IndexEntriesPerFile,
		Strict:              cfg.Store.Strict,
		MutableRange:        cfg.Store.MutableRange,
		MaxHashesAsk:        cfg.Sync.MaxHashesAsk,
		MaxBlocksAsk:        cfg.Sync.MaxBlocksAsk,
		ForkCoverBatch:      cfg.Sync.ForkCoverBatch,
		SyncDisabled:        cfg.Sync.Disabled,
		MaxActivePeers:      cfg.Peers.MaxActive,
		TrustedPeers:        cfg.Peers.Trusted,
		MaxSafeTxs:          cfg.Peers.MaxSafeTxs,
		MempoolSize:         cfg.Peers.MempoolSize,
		NetTimeout:          cfg.Sync.NetTimeout,
		KnownPeers:          peerSet,
		EvHandler:           ev,
	})
	if err != nil {
		db.Close()
		return err
	}
	defer st.Shutdown()

	if err := metrics.RegisterNode(prometheus.DefaultRegisterer, st); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// The worker package implements the different workflows such as block
	// import, peer admission and sharing. The worker will register itself
	// with the state.
	worker.Run(st, worker.Config{
		AdmissionInterval: cfg.Peers.AdmissionInterval,
		MaintainInterval:  cfg.Sync.MaintainInterval,
		PeerInterval:      cfg.Peers.DialInterval,
		RetryDelay:        cfg.Sync.RetryDelay,
	}, ev)

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st, prometheus.DefaultGatherer)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct the mux for the public API calls.
	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
	})

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct the mux for the private API calls.
	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
	})

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}
	}

	return nil
}
