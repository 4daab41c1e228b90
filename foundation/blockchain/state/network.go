package state

import (
	"context"

	"github.com/ardanlabs/blocksync/foundation/blockchain/chainsync"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/peer"
	"github.com/ardanlabs/blocksync/foundation/blockchain/transport"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/pkg/errors"
)

// Set of error variables for the node's networking.
var (
	ErrUnknownPeer = errors.New("state: message from unknown peer")
	ErrBannedPeer  = errors.New("state: peer disconnected recently")
	ErrDuplicate   = errors.New("state: peer already connected")
)

// peerConn ties a connection to the handler running sync over it.
type peerConn struct {
	conn   *transport.Conn
	h      *chainsync.Handler
	cancel context.CancelFunc
}

// =============================================================================

// Status returns what this node reports about itself to other nodes.
func (s *State) Status() peer.PeerStatus {
	ps := peer.PeerStatus{
		NodeID:          s.nodeID,
		Host:            s.host,
		NetworkID:       s.genesis.NetworkID,
		TotalDifficulty: s.chain.TotalDifficulty().String(),
		KnownPeers:      s.knownPeers.Copy(s.host),
	}

	if best, err := s.chain.BestBlock(); err == nil {
		ps.LatestBlockHash = best.Hash().Hex()
		ps.LatestBlockNumber = best.Number()
	}

	return ps
}

// Deliver hands a message received from another node to the handler of
// that node. A node we aren't connected to has to start with its status,
// which opens an inbound connection.
func (s *State) Deliver(env wire.Envelope) error {
	msg, err := env.Open()
	if err != nil {
		return err
	}

	s.mu.Lock()
	pc, exists := s.conns[env.From]
	s.mu.Unlock()

	if !exists {
		if msg.Code() != wire.StatusCode {
			return errors.Wrapf(ErrUnknownPeer, "peer[%s] msg[%s]", env.From, msg.Code())
		}

		if s.registry.IsRecentlyDisconnected(env.From) {
			return errors.Wrapf(ErrBannedPeer, "peer[%s]", env.From)
		}

		if !env.Version.IsSupported() {
			return errors.Wrapf(chainsync.ErrUnsupportedVersion, "peer[%s] version[%s]", env.From, env.Version)
		}

		s.evHandler("state: Deliver: inbound peer[%s] host[%s]", env.From, env.FromHost)

		conn := s.transport.Connect(env.From, env.FromHost, true, s.onClose)
		if pc, err = s.attach(conn); err != nil {
			return err
		}
	}

	return pc.h.Deliver(msg)
}

// Disconnected handles the notice of a node that dropped its connection
// to this node.
func (s *State) Disconnected(notice transport.Notice) {
	s.mu.Lock()
	pc, exists := s.conns[notice.From]
	s.mu.Unlock()

	if !exists {
		return
	}

	s.evHandler("state: Disconnected: peer[%s] reason[%s]", notice.From, notice.Reason)
	pc.conn.Closed(notice.Reason)
}

// Dial connects to the node running on the host unless it's this node or
// it's connected already. The hosts the node knows are added to ours.
func (s *State) Dial(ctx context.Context, pr peer.Peer) error {
	ps, err := s.transport.RequestStatus(ctx, pr.Host)
	if err != nil {
		return err
	}

	for _, known := range ps.KnownPeers {
		if !known.Match(s.host) && s.knownPeers.Add(known) {
			s.evHandler("state: Dial: adding known peer[%s]", known)
		}
	}

	if ps.NodeID == s.nodeID || s.IsConnected(ps.NodeID) {
		return nil
	}

	if ps.NetworkID != s.genesis.NetworkID {
		return errors.Errorf("peer[%s] network[%d] isn't ours", ps.NodeID, ps.NetworkID)
	}

	if s.registry.IsRecentlyDisconnected(ps.NodeID) {
		return errors.Wrapf(ErrBannedPeer, "peer[%s]", ps.NodeID)
	}

	s.evHandler("state: Dial: outbound peer[%s] host[%s]", ps.NodeID, pr.Host)

	conn := s.transport.Connect(ps.NodeID, pr.Host, false, s.onClose)
	_, err = s.attach(conn)

	return err
}

// IsConnected reports whether a connection to the node is open.
func (s *State) IsConnected(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.conns[nodeID]
	return exists
}

// SubmitTransaction adds a transaction to the pool and shares it with the
// active peers.
func (s *State) SubmitTransaction(tx database.Tx) error {
	n, ok := s.mempool.Upsert(tx)
	if !ok {
		return errors.Errorf("mempool full at %d transactions", n)
	}

	s.evHandler("state: SubmitTransaction: tx[%s] pool[%d]", tx, n)
	s.registry.SendTransaction([]database.Tx{tx}, "")

	return nil
}

// =============================================================================

// attach starts sync over a new connection.
func (s *State) attach(conn *transport.Conn) (peerConn, error) {
	h, err := s.manager.NewHandler(conn, s.transport.Version())
	if err != nil {
		conn.Disconnect(wire.ReasonIncompatibleProtocol)
		return peerConn{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pc := peerConn{conn: conn, h: h, cancel: cancel}

	s.mu.Lock()
	if _, exists := s.conns[conn.NodeID()]; exists {
		s.mu.Unlock()
		cancel()
		conn.Disconnect(wire.ReasonDuplicatePeer)
		return peerConn{}, errors.Wrapf(ErrDuplicate, "peer[%s]", conn.NodeID())
	}
	s.conns[conn.NodeID()] = pc
	s.mu.Unlock()

	s.registry.Add(h)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.Run(ctx)
	}()

	if err := h.Activate(); err != nil {
		s.evHandler("state: attach: peer[%s]: activate: ERROR: %s", conn.NodeID(), err)
		conn.Disconnect(wire.ReasonRequested)
		return peerConn{}, err
	}

	return pc, nil
}

// onClose runs once the connection to a peer is closed.
func (s *State) onClose(conn *transport.Conn, reason wire.Reason) {
	s.mu.Lock()
	pc, exists := s.conns[conn.NodeID()]
	if !exists || pc.conn != conn {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.NodeID())
	s.mu.Unlock()

	pc.cancel()
	s.registry.OnDisconnect(pc.h)

	if gap, exists := s.manager.GapBlock(); exists && gap.NodeID == conn.NodeID() {
		s.manager.ClearGapBlock()
	}

	s.evHandler("state: onClose: peer[%s] reason[%s]", conn.NodeID(), reason)
}

// disconnectAll closes every connection and waits for them to finish.
func (s *State) disconnectAll() {
	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc.conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect(wire.ReasonPeerQuitting)
	}

	for _, conn := range conns {
		conn.Wait()
	}
}
