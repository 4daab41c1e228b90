// Package transport moves sync protocol messages between nodes over HTTP.
// Every message is sealed in an envelope and posted to the private API of
// the remote node. A connection keeps one writer G so sends never block the
// sync handlers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/peer"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/pkg/errors"
)

// Set of error variables for the transport.
var (
	ErrClosed    = errors.New("transport: connection closed")
	ErrQueueFull = errors.New("transport: send queue full")
)

// Set of defaults used when the configuration leaves a value unset.
const (
	DefaultQueueSize = 256
	DefaultTimeout   = 10 * time.Second
)

const baseURL = "http://%s/v1/node"

// EventHandler defines a function that is called when events occur in the
// processing of the transport.
type EventHandler func(v string, args ...any)

// Notice tells the remote node the connection is being dropped.
type Notice struct {
	From   string      `json:"from"`
	Reason wire.Reason `json:"reason"`
}

// Config represents the identity this node uses towards peers.
type Config struct {
	NodeID    string
	Host      string
	Version   wire.Version
	QueueSize int
	Timeout   time.Duration
	EvHandler EventHandler
}

// Transport creates connections to peers.
type Transport struct {
	nodeID    string
	host      string
	version   wire.Version
	queueSize int
	client    *http.Client
	evHandler EventHandler
}

// New constructs a transport for the node.
func New(cfg Config) *Transport {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.Version == 0 {
		cfg.Version = wire.Versions[0]
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Transport{
		nodeID:    cfg.NodeID,
		host:      cfg.Host,
		version:   cfg.Version,
		queueSize: cfg.QueueSize,
		client:    &http.Client{Timeout: cfg.Timeout},
		evHandler: ev,
	}
}

// NodeID returns the id of this node.
func (t *Transport) NodeID() string {
	return t.nodeID
}

// Version returns the protocol version this node speaks.
func (t *Transport) Version() wire.Version {
	return t.version
}

// RequestStatus asks the node at the host who it is.
func (t *Transport) RequestStatus(ctx context.Context, host string) (peer.PeerStatus, error) {
	url := fmt.Sprintf("%s/status", fmt.Sprintf(baseURL, host))

	var ps peer.PeerStatus
	if err := t.send(ctx, http.MethodGet, url, nil, &ps); err != nil {
		return peer.PeerStatus{}, err
	}

	t.evHandler("transport: RequestStatus: host[%s]: node[%s]: latest-blknum[%d]", host, ps.NodeID, ps.LatestBlockNumber)

	return ps, nil
}

// OnClose is called once when a connection closes.
type OnClose func(conn *Conn, reason wire.Reason)

// Connect creates the connection to the node with the id listening on the
// host. The connection starts its writer G right away.
func (t *Transport) Connect(remoteID string, remoteHost string, inbound bool, onClose OnClose) *Conn {
	c := Conn{
		t:          t,
		remoteID:   remoteID,
		remoteHost: remoteHost,
		inbound:    inbound,
		onClose:    onClose,
		out:        make(chan wire.Message, t.queueSize),
		shut:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.writer()

	return &c
}

// =============================================================================

// Conn is a connection to a single peer. It implements wire.Conn.
type Conn struct {
	t          *Transport
	remoteID   string
	remoteHost string
	inbound    bool
	onClose    OnClose

	out  chan wire.Message
	shut chan struct{}
	done chan struct{}

	once   sync.Once
	reason wire.Reason
	notify bool
}

// NodeID implements the wire.Conn interface.
func (c *Conn) NodeID() string {
	return c.remoteID
}

// Host returns the host of the remote node.
func (c *Conn) Host() string {
	return c.remoteHost
}

// Inbound implements the wire.Conn interface.
func (c *Conn) Inbound() bool {
	return c.inbound
}

// Send implements the wire.Conn interface. The message is queued for the
// writer G.
func (c *Conn) Send(msg wire.Message) error {
	select {
	case <-c.shut:
		return ErrClosed
	default:
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.shut:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Disconnect implements the wire.Conn interface. The remote node is told
// the reason.
func (c *Conn) Disconnect(reason wire.Reason) {
	c.close(reason, true)
}

// Closed is called when the remote node dropped the connection.
func (c *Conn) Closed(reason wire.Reason) {
	c.close(reason, false)
}

// Wait blocks until the writer G is done.
func (c *Conn) Wait() {
	<-c.done
}

func (c *Conn) close(reason wire.Reason, notify bool) {
	c.once.Do(func() {
		c.reason = reason
		c.notify = notify
		close(c.shut)
	})
}

// writer posts the queued messages in order until the connection closes.
func (c *Conn) writer() {
	defer close(c.done)

	for {
		select {
		case msg := <-c.out:
			if err := c.post(msg); err != nil {
				c.t.evHandler("transport: writer: peer[%s]: msg[%s]: ERROR: %s", c.remoteID, msg.Code(), err)
				c.close(wire.ReasonRequested, false)
			}

		case <-c.shut:
			if c.notify {
				c.sendNotice()
			}

			c.t.evHandler("transport: writer: peer[%s]: closed: reason[%s]", c.remoteID, c.reason)

			if c.onClose != nil {
				c.onClose(c, c.reason)
			}
			return
		}
	}
}

func (c *Conn) post(msg wire.Message) error {
	env, err := wire.Seal(c.t.nodeID, c.t.host, c.t.version, msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/msg", fmt.Sprintf(baseURL, c.remoteHost))
	return c.t.send(context.Background(), http.MethodPost, url, env, nil)
}

func (c *Conn) sendNotice() {
	url := fmt.Sprintf("%s/disconnect", fmt.Sprintf(baseURL, c.remoteHost))

	notice := Notice{From: c.t.nodeID, Reason: c.reason}
	if err := c.t.send(context.Background(), http.MethodPost, url, notice, nil); err != nil {
		c.t.evHandler("transport: sendNotice: peer[%s]: WARNING: %s", c.remoteID, err)
	}
}

// =============================================================================

// send is a helper function to send an HTTP request to a node.
func (t *Transport) send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var req *http.Request

	switch {
	case dataSend != nil:
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

	default:
		var err error
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return errors.Errorf("%s: status[%d]: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}
