package proxy

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// ConnRole is the part a tracked socket plays.
type ConnRole int

const (
	RoleListener ConnRole = iota
	RoleClientAwaitingRequest
	RoleClientTunnel
	RoleClientRelay
	RoleOriginPeer
)

func (r ConnRole) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleClientAwaitingRequest:
		return "client-awaiting-request"
	case RoleClientTunnel:
		return "client-tunnel"
	case RoleClientRelay:
		return "client-relay"
	case RoleOriginPeer:
		return "origin-peer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ConnState is the position of a connection in the dispatch state machine.
// Blocked, Tunneling and Relaying never transition back.
type ConnState int

const (
	StateAwaitingRequest ConnState = iota
	StateBlocked
	StateTunneling
	StateRelaying
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateBlocked:
		return "blocked"
	case StateTunneling:
		return "tunneling"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProtoKind tells whether a paired connection is an opaque tunnel or an
// HTTP relay.
type ProtoKind int

const (
	ProtoUnset ProtoKind = iota
	ProtoConnect
	ProtoHTTP
)

func (p ProtoKind) String() string {
	switch p {
	case ProtoConnect:
		return "connect"
	case ProtoHTTP:
		return "http"
	default:
		return "unset"
	}
}

// Connection is one tracked socket. Role, state, proto and peer are guarded
// by the owning Registry's mutex.
type Connection struct {
	id      int64
	conn    net.Conn
	created time.Time

	role   ConnRole
	state  ConnState
	proto  ProtoKind
	peer   *Connection
	target string

	blockedCount atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

// ID returns the stable registry id.
func (c *Connection) ID() int64 { return c.id }

// Conn returns the underlying transport.
func (c *Connection) Conn() net.Conn { return c.conn }

// BlockedCount returns how many ad-gated requests were seen on this socket.
func (c *Connection) BlockedCount() int64 { return c.blockedCount.Load() }

// Closed reports whether the transport has been closed by the registry.
func (c *Connection) Closed() bool { return c.closed.Load() }

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.conn.Close(); err != nil && !isClosedConnError(err) {
			logger.Debug("Error closing connection %d: %v", c.id, err)
		}
	})
}

// ConnectionInfo is a point-in-time copy of a Connection.
type ConnectionInfo struct {
	ID           int64     `json:"id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	Proto        string    `json:"proto"`
	PeerID       int64     `json:"peer_id,omitempty"`
	Remote       string    `json:"remote"`
	Target       string    `json:"target,omitempty"`
	BlockedCount int64     `json:"blocked_count"`
	Created      time.Time `json:"created"`
}

// Registry tracks live connections by id and keeps client and origin peers
// linked so that closing one side always closes the other.
type Registry struct {
	mu     sync.Mutex
	conns  map[int64]*Connection
	nextID atomic.Int64

	// Validator, when set, is consulted by Sweep in addition to the
	// descriptor check. Returning false marks the connection invalid.
	Validator func(*Connection) bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]*Connection)}
}

// Register starts tracking conn and returns its entry.
func (r *Registry) Register(conn net.Conn, role ConnRole) *Connection {
	c := &Connection{
		id:      r.nextID.Add(1),
		conn:    conn,
		created: time.Now(),
		role:    role,
		state:   StateAwaitingRequest,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	return c
}

// Get looks up a live connection.
func (r *Registry) Get(id int64) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Pair links a client awaiting its request with a freshly dialed origin and
// moves both into the tunnel or relay state.
func (r *Registry) Pair(clientID, originID int64, proto ProtoKind, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.conns[clientID]
	if !ok {
		return NewProxyError(ErrCodeConnectionClosed, fmt.Sprintf("client connection %d not registered", clientID), nil)
	}
	origin, ok := r.conns[originID]
	if !ok {
		return NewProxyError(ErrCodeConnectionClosed, fmt.Sprintf("origin connection %d not registered", originID), nil)
	}
	if client.peer != nil || origin.peer != nil {
		return NewProxyError(ErrCodeInternalError, "connection already paired", nil)
	}
	if client.role != RoleClientAwaitingRequest || origin.role != RoleOriginPeer {
		return NewProxyError(ErrCodeInternalError,
			fmt.Sprintf("cannot pair %s with %s", client.role, origin.role), nil)
	}

	var state ConnState
	switch proto {
	case ProtoConnect:
		client.role = RoleClientTunnel
		state = StateTunneling
	case ProtoHTTP:
		client.role = RoleClientRelay
		state = StateRelaying
	default:
		return NewProxyError(ErrCodeInternalError, "pair requires a protocol kind", nil)
	}

	client.peer, origin.peer = origin, client
	client.state, origin.state = state, state
	client.proto, origin.proto = proto, proto
	client.target, origin.target = target, target
	return nil
}

// Peer returns the connection paired with id.
func (r *Registry) Peer(id int64) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.peer == nil {
		return nil, false
	}
	return c.peer, true
}

// State returns the dispatch state of id, or StateClosed when untracked.
func (r *Registry) State(id int64) ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		return c.state
	}
	return StateClosed
}

// ParseMode reports whether id still expects its first request line.
func (r *Registry) ParseMode(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return ok && c.role == RoleClientAwaitingRequest
}

// MarkBlocked moves a waiting client into the terminal Blocked state and
// returns its updated blocked count.
func (r *Registry) MarkBlocked(id int64, target string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return 0
	}
	if c.state == StateAwaitingRequest {
		c.state = StateBlocked
	}
	c.target = target
	return c.blockedCount.Add(1)
}

// Close removes id and its peer from the registry and closes both
// transports exactly once. Closing an unknown id is a no-op.
func (r *Registry) Close(id int64) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	victims := r.detachLocked(c)
	r.mu.Unlock()

	for _, v := range victims {
		v.close()
	}
}

// detachLocked unlinks c and its peer. r.mu must be held.
func (r *Registry) detachLocked(c *Connection) []*Connection {
	victims := []*Connection{c}
	delete(r.conns, c.id)
	c.state = StateClosed
	if p := c.peer; p != nil {
		if _, tracked := r.conns[p.id]; tracked {
			delete(r.conns, p.id)
		}
		p.state = StateClosed
		victims = append(victims, p)
		// Keep the links so late readers can still see who the peer was.
	}
	return victims
}

// Sweep closes and removes every connection whose transport is no longer
// usable, together with its peer. It returns the number of entries removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	candidates := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		candidates = append(candidates, c)
	}
	validator := r.Validator
	r.mu.Unlock()

	var invalid []*Connection
	for _, c := range candidates {
		if !connAlive(c) || (validator != nil && !validator(c)) {
			invalid = append(invalid, c)
		}
	}
	if len(invalid) == 0 {
		return 0
	}

	removed := 0
	var victims []*Connection
	r.mu.Lock()
	for _, c := range invalid {
		if _, ok := r.conns[c.id]; !ok {
			continue
		}
		detached := r.detachLocked(c)
		removed += len(detached)
		victims = append(victims, detached...)
	}
	r.mu.Unlock()

	for _, v := range victims {
		v.close()
	}
	if removed > 0 {
		logger.Debug("Liveness sweep removed %d stale connections", removed)
	}
	return removed
}

// connAlive tests whether the descriptor behind c is still valid.
func connAlive(c *Connection) bool {
	if c.closed.Load() {
		return false
	}
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	return raw.Control(func(uintptr) {}) == nil
}

// Snapshot returns the tracked connections ordered by id.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		info := ConnectionInfo{
			ID:           c.id,
			Role:         c.role.String(),
			State:        c.state.String(),
			Proto:        c.proto.String(),
			Target:       c.target,
			BlockedCount: c.blockedCount.Load(),
			Created:      c.created,
		}
		if c.peer != nil {
			info.PeerID = c.peer.id
		}
		if addr := c.conn.RemoteAddr(); addr != nil {
			info.Remote = addr.String()
		}
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll closes every tracked connection exactly once.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	victims := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		c.state = StateClosed
		victims = append(victims, c)
	}
	r.conns = make(map[int64]*Connection)
	r.mu.Unlock()

	for _, v := range victims {
		v.close()
	}
}
