// Package cluster tracks which nodes are members of the runtime's cluster,
// gossiping membership deltas over the remote transport and resolving
// split-brain once the locally observed member set has settled.
package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/latticerun/lattice/internal/codec"
	"github.com/latticerun/lattice/internal/remote"
	btclog "github.com/btcsuite/btclog/v2"
	"golang.org/x/sync/errgroup"
)

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by cluster membership.
func UseLogger(logger btclog.Logger) { log = logger }

// MembershipPath is the reserved transport tag gossip frames are sent
// under, multiplexed alongside application traffic on the same stream.
const MembershipPath = "system/membership"

// MemberStatus mirrors the lifecycle an Akka/Pekko-style cluster member
// moves through.
type MemberStatus int32

const (
	StatusJoining MemberStatus = iota
	StatusUp
	StatusLeaving
	StatusExiting
	StatusDown
	StatusRemoved
)

func (s MemberStatus) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusUp:
		return "up"
	case StatusLeaving:
		return "leaving"
	case StatusExiting:
		return "exiting"
	case StatusDown:
		return "down"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Reachability tracks whether this node's failure detector currently
// considers a peer alive.
type Reachability int32

const (
	Reachable Reachability = iota
	Unreachable
)

// Member is one node's membership record, the unit gossiped between nodes.
// Shaped after torua's NodeInfo (ID/Addr pair used for routing and
// registration) generalized with the spec's roles/status/reachability
// fields.
type Member struct {
	Address      string
	Roles        []string
	Status       MemberStatus
	Reachability Reachability

	// Incarnation increases each time this node rejoins after being
	// Down/Removed, so stale gossip about a prior incarnation never
	// overwrites a newer one.
	Incarnation uint64

	JoinedAt time.Time
}

func (m Member) hasRole(role string) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Set is the full membership table as observed locally. Gossip exchanges
// Delta values derived from two Sets.
type Set struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewSet creates an empty membership set.
func NewSet() *Set {
	return &Set{members: make(map[string]Member)}
}

// Upsert applies m if it is newer than what's already known for its
// address (higher incarnation; or same incarnation with a later status, or
// with the same status and a different reachability). Returns true if the
// set changed.
func (s *Set) Upsert(m Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.members[m.Address]
	if ok && existing.Incarnation > m.Incarnation {
		return false
	}
	if ok && existing.Incarnation == m.Incarnation {
		if m.Status < existing.Status {
			return false
		}
		if existing.Status == m.Status && existing.Reachability == m.Reachability {
			return false
		}
	}
	s.members[m.Address] = m
	return true
}

// Snapshot returns every known member, in no particular order.
func (s *Set) Snapshot() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// Get returns the member known for addr, if any.
func (s *Set) Get(addr string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[addr]
	return m, ok
}

// WithRole returns the addresses of every Up member carrying role.
func (s *Set) WithRole(role string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for addr, m := range s.members {
		if m.Status == StatusUp && m.hasRole(role) {
			out = append(out, addr)
		}
	}
	return out
}

// delta is the wire payload gossiped between nodes: a bounded sample of
// the sender's membership view, not necessarily the full set.
type delta struct {
	From    string
	Members []Member
}

// Config tunes the gossip loop.
type Config struct {
	// SelfAddr is this node's own address, used to seed its own Member
	// record and to avoid gossiping with itself.
	SelfAddr string

	Roles []string

	// GossipInterval is how often a gossip round fires.
	GossipInterval time.Duration

	// FanOut is how many random peers each round targets.
	FanOut int

	// StableAfter is how long the member set must go unchanged before
	// split-brain resolution runs.
	StableAfter time.Duration
}

// DefaultConfig returns production-sized gossip tunables.
func DefaultConfig(selfAddr string, roles []string) Config {
	return Config{
		SelfAddr:       selfAddr,
		Roles:          roles,
		GossipInterval: 1 * time.Second,
		FanOut:         3,
		StableAfter:    10 * time.Second,
	}
}

// Membership runs the gossip loop for one node: periodically samples a
// few random known peers and exchanges Set deltas with them over the
// shared remote transport stream, tagged MembershipPath. No external
// gossip library exists anywhere in the retrieval pack, so this is
// deliberately built directly on time.Ticker plus remote.Pool rather than
// a memberlist-style dependency.
type Membership struct {
	cfg    Config
	set    *Set
	pool   *remote.Pool
	codec  *codec.GobCodec
	server *remote.Server

	resolver SplitBrainResolver

	mu           sync.Mutex
	lastChanged  time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	onUnreach    func(Member)
}

// New constructs a Membership tracker for this node. server must already
// have the codec's registry populated with Member/delta types via
// RegisterWireTypes before Start is called.
func New(cfg Config, server *remote.Server, pool *remote.Pool, gobCodec *codec.GobCodec, resolver SplitBrainResolver) *Membership {
	m := &Membership{
		cfg:      cfg,
		set:      NewSet(),
		pool:     pool,
		codec:    gobCodec,
		server:   server,
		resolver: resolver,
	}
	m.set.Upsert(Member{
		Address:     cfg.SelfAddr,
		Roles:       cfg.Roles,
		Status:      StatusUp,
		Incarnation: 1,
		JoinedAt:    timeNow(),
	})
	server.Handle(MembershipPath, m.handleGossip)
	return m
}

// RegisterWireTypes registers the gossip payload types on registry. Call
// once per process before any Membership exchanges frames.
func RegisterWireTypes(registry *codec.Registry) {
	codec.Register[delta](registry, MembershipPath)
}

// timeNow is the single seam wall-clock time enters this package through,
// so tests can substitute a fixed clock without touching call sites.
func timeNow() time.Time { return time.Now() }

// Set returns the live membership table, safe to read concurrently with
// gossip rounds.
func (m *Membership) Set() *Set { return m.set }

// Start begins the periodic gossip loop in a background goroutine.
func (m *Membership) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the gossip loop and waits for it to exit.
func (m *Membership) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Membership) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.round(ctx)
			m.maybeResolveSplitBrain()
		}
	}
}

func (m *Membership) round(ctx context.Context) {
	peers := m.samplePeers()
	if len(peers) == 0 {
		return
	}

	d := delta{From: m.cfg.SelfAddr, Members: m.set.Snapshot()}
	frame, err := m.codec.Encode(MembershipPath, d)
	if err != nil {
		log.ErrorS(ctx, "cluster: encode gossip delta", err)
		return
	}

	var group errgroup.Group
	for _, addr := range peers {
		addr := addr
		group.Go(func() error {
			conn, err := m.pool.Get(addr)
			if err != nil {
				log.DebugS(ctx, "cluster: dial peer for gossip failed",
					"peer", addr, "err", err)
				m.markUnreachable(addr)
				return nil
			}
			if _, err := conn.Send(ctx, frame); err != nil {
				log.DebugS(ctx, "cluster: gossip send failed",
					"peer", addr, "err", err)
				m.markUnreachable(addr)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Membership) samplePeers() []string {
	all := m.set.Snapshot()
	candidates := make([]string, 0, len(all))
	for _, mem := range all {
		if mem.Address == m.cfg.SelfAddr {
			continue
		}
		candidates = append(candidates, mem.Address)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > m.cfg.FanOut {
		candidates = candidates[:m.cfg.FanOut]
	}
	return candidates
}

func (m *Membership) markUnreachable(addr string) {
	mem, ok := m.set.Get(addr)
	if !ok || mem.Reachability == Unreachable {
		return
	}
	mem.Reachability = Unreachable
	if m.set.Upsert(mem) && m.onUnreach != nil {
		m.onUnreach(mem)
	}
}

// handleGossip is the remote.StreamHandler invoked when a peer's gossip
// round reaches this node.
func (m *Membership) handleGossip(ctx context.Context, peerAddr string, frame codec.Frame) (*codec.Frame, error) {
	payload, err := m.codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	d, ok := payload.(delta)
	if !ok {
		return nil, nil
	}

	changed := false
	for _, mem := range d.Members {
		if m.set.Upsert(mem) {
			changed = true
		}
	}
	if changed {
		m.mu.Lock()
		m.lastChanged = timeNow()
		m.mu.Unlock()
	}
	return nil, nil
}

func (m *Membership) maybeResolveSplitBrain() {
	m.mu.Lock()
	stableSince := m.lastChanged
	m.mu.Unlock()

	if stableSince.IsZero() || timeNow().Sub(stableSince) < m.cfg.StableAfter {
		return
	}
	if m.resolver == nil {
		return
	}

	snapshot := m.set.Snapshot()
	survivors := m.resolver.Resolve(snapshot)
	survivorSet := make(map[string]bool, len(survivors))
	for _, addr := range survivors {
		survivorSet[addr] = true
	}

	for _, mem := range snapshot {
		if !survivorSet[mem.Address] && mem.Status != StatusDown {
			mem.Status = StatusDown
			m.set.Upsert(mem)
		}
	}
}
