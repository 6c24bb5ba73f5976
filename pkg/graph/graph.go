// Package graph implements the link protocol between audio nodes.
//
// Nodes live in an arena owned by a [Graph] and are addressed by [Handle]
// values. A handle carries a generation counter, so a handle to a removed
// node is detected as stale instead of silently aliasing whatever node later
// reuses its slot. Every node has at most one upstream and one downstream
// neighbour, and links are always bidirectional: if A's downstream is B then
// B's upstream is A.
//
// All methods are for the control path. They serialise on an internal mutex
// and call the nodes' [Node.Linked] and [Node.Unlinked] hooks while holding
// it, so hooks must not call back into the Graph.
package graph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/soundio/pkg/audio"
)

// Side selects one of the two link slots of a node.
type Side int

const (
	// Upstream is the neighbour a node receives PCM from.
	Upstream Side = iota

	// Downstream is the neighbour a node delivers PCM to.
	Downstream
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Upstream {
		return Downstream
	}
	return Upstream
}

// String returns "upstream" or "downstream".
func (s Side) String() string {
	if s == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Node is implemented by everything that can be placed in a [Graph].
type Node interface {
	// Linked is called when peer becomes the neighbour on side. Returning an
	// error vetoes the link; the graph then rolls back any hook that already
	// succeeded and leaves both nodes unlinked.
	Linked(side Side, peer Node) error

	// Unlinked is called after the neighbour on side has been removed.
	Unlinked(side Side, peer Node)
}

// Handle addresses a node in a [Graph]. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// String renders h for logs.
func (h Handle) String() string { return fmt.Sprintf("node#%d.%d", h.index, h.gen) }

type slot struct {
	node  Node
	gen   uint32
	links [2]Handle
}

// Graph is an arena of nodes and the links between them. The zero value is
// ready to use.
type Graph struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{}
}

// Add places n in the graph and returns its handle.
func (g *Graph) Add(n Node) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	var idx uint32
	if l := len(g.free); l > 0 {
		idx = g.free[l-1]
		g.free = g.free[:l-1]
	} else {
		g.slots = append(g.slots, slot{})
		idx = uint32(len(g.slots) - 1)
	}
	s := &g.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.node = n
	s.links = [2]Handle{}
	return Handle{index: idx, gen: s.gen}
}

// Remove unlinks the node from both neighbours and frees its slot. The handle
// and every copy of it become stale.
func (g *Graph) Remove(h Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.lookup(h)
	if err != nil {
		return err
	}
	g.unlinkAll(h)
	s.node = nil
	g.free = append(g.free, h.index)
	return nil
}

// Node returns the node addressed by h.
func (g *Graph) Node(h Handle) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.lookup(h)
	if err != nil {
		return nil, false
	}
	return s.node, true
}

// Neighbor returns the handle linked on side of h, if any.
func (g *Graph) Neighbor(h Handle, side Side) (Handle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.lookup(h)
	if err != nil {
		return Handle{}, false
	}
	n := s.links[side]
	return n, !n.IsZero()
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots) - len(g.free)
}

// SubscribeUpstream makes other the upstream neighbour of h.
func (g *Graph) SubscribeUpstream(h, other Handle) error {
	return g.link(other, h)
}

// SubscribeDownstream makes other the downstream neighbour of h.
func (g *Graph) SubscribeDownstream(h, other Handle) error {
	return g.link(h, other)
}

// Link connects up to down. It is equivalent to
// SubscribeDownstream(up, down).
func (g *Graph) Link(up, down Handle) error {
	return g.link(up, down)
}

func (g *Graph) link(up, down Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	us, err := g.lookup(up)
	if err != nil {
		return err
	}
	ds, err := g.lookup(down)
	if err != nil {
		return err
	}
	if up == down {
		return fmt.Errorf("graph: link %s to itself: %w", up, audio.ErrInvalidArgument)
	}
	if !us.links[Downstream].IsZero() {
		return fmt.Errorf("graph: %s downstream: %w", up, audio.ErrAlreadyLinked)
	}
	if !ds.links[Upstream].IsZero() {
		return fmt.Errorf("graph: %s upstream: %w", down, audio.ErrAlreadyLinked)
	}

	if err := us.node.Linked(Downstream, ds.node); err != nil {
		return fmt.Errorf("graph: link %s -> %s: %w", up, down, err)
	}
	if err := ds.node.Linked(Upstream, us.node); err != nil {
		us.node.Unlinked(Downstream, ds.node)
		return fmt.Errorf("graph: link %s -> %s: %w", up, down, err)
	}

	us.links[Downstream] = down
	ds.links[Upstream] = up
	slog.Debug("graph: linked", "upstream", up.String(), "downstream", down.String())
	return nil
}

// Unsubscribe breaks the link on side of h.
func (g *Graph) Unsubscribe(h Handle, side Side) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.lookup(h)
	if err != nil {
		return err
	}
	peer := s.links[side]
	if peer.IsZero() {
		return fmt.Errorf("graph: %s %s: %w", h, side, audio.ErrNotLinked)
	}
	g.unlink(h, side)
	return nil
}

// UnsubscribeAll breaks every link of h. It is not an error if h has none.
func (g *Graph) UnsubscribeAll(h Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.lookup(h); err != nil {
		return err
	}
	g.unlinkAll(h)
	return nil
}

func (g *Graph) unlinkAll(h Handle) {
	for _, side := range []Side{Upstream, Downstream} {
		if !g.slots[h.index].links[side].IsZero() {
			g.unlink(h, side)
		}
	}
}

// unlink clears both directions of the link before notifying either node.
func (g *Graph) unlink(h Handle, side Side) {
	s := &g.slots[h.index]
	peer := s.links[side]
	ps := &g.slots[peer.index]

	s.links[side] = Handle{}
	ps.links[side.Opposite()] = Handle{}

	s.node.Unlinked(side, ps.node)
	ps.node.Unlinked(side.Opposite(), s.node)
	slog.Debug("graph: unlinked", "node", h.String(), "side", side.String(), "peer", peer.String())
}

func (g *Graph) lookup(h Handle) (*slot, error) {
	if h.IsZero() || int(h.index) >= len(g.slots) {
		return nil, fmt.Errorf("graph: %s: %w", h, audio.ErrInvalidArgument)
	}
	s := &g.slots[h.index]
	if s.gen != h.gen || s.node == nil {
		return nil, fmt.Errorf("graph: stale handle %s: %w", h, audio.ErrInvalidArgument)
	}
	return s, nil
}
