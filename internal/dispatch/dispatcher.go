// Package dispatch routes received packets to listeners through a tree of
// filters. A child is only considered when its parent matched, so a path from
// the root is an AND of filters; siblings are independent.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/metrics"
)

var ErrUnknownHandle = errors.New("unknown listener handle")

// Listener receives every packet its filter path matched.
type Listener interface {
	HandlePacket(p cec.Packet) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(p cec.Packet) error

func (f ListenerFunc) HandlePacket(p cec.Packet) error { return f(p) }

// Handle identifies a registration. The zero Handle is never issued.
type Handle uint64

const none = -1

type node struct {
	handle      Handle
	filter      Filter
	listener    Listener
	parent      int32
	firstChild  int32
	nextSibling int32
	depth       int32
}

// table is an immutable snapshot of the tree. Nodes are stored in
// registration order and linked first-child / next-sibling.
type table struct {
	nodes     []node
	firstRoot int32
}

type entry struct {
	handle   Handle
	parent   Handle
	filter   Filter
	listener Listener
}

// Options configures a Dispatcher.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher holds the listener tree. Dispatch is lock-free and may run
// concurrently with registration; a pass sees the tree as it was when the
// pass started.
type Dispatcher struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[table]

	mu      sync.Mutex
	entries []entry
	next    Handle
}

// New creates an empty Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{log: opts.Logger, metrics: opts.Metrics}
	d.current.Store(&table{firstRoot: none})
	return d
}

// Register adds a top-level filter. listener may be nil for a node that only
// groups children.
func (d *Dispatcher) Register(f Filter, l Listener) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.add(0, f, l)
}

// RegisterChild adds a filter evaluated only when parent's filter matched.
func (d *Dispatcher) RegisterChild(parent Handle, f Filter, l Listener) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.known(parent) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownHandle, parent)
	}
	return d.add(parent, f, l), nil
}

// Unregister removes h and everything registered under it.
func (d *Dispatcher) Unregister(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.known(h) {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	removed := map[Handle]bool{h: true}
	kept := d.entries[:0:0]
	for _, e := range d.entries {
		if removed[e.handle] || removed[e.parent] {
			removed[e.handle] = true
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	d.publish()
	return nil
}

func (d *Dispatcher) known(h Handle) bool {
	if h == 0 {
		return false
	}
	for _, e := range d.entries {
		if e.handle == h {
			return true
		}
	}
	return false
}

func (d *Dispatcher) add(parent Handle, f Filter, l Listener) Handle {
	d.next++
	h := d.next
	d.entries = append(d.entries, entry{handle: h, parent: parent, filter: f, listener: l})
	d.publish()
	return h
}

// publish rebuilds the snapshot from entries. Parents always precede their
// children in entries, so one pass links the tree.
func (d *Dispatcher) publish() {
	t := &table{nodes: make([]node, len(d.entries)), firstRoot: none}
	index := make(map[Handle]int32, len(d.entries))
	lastChild := make([]int32, len(d.entries))
	lastRoot := int32(none)

	for i, e := range d.entries {
		idx := int32(i)
		index[e.handle] = idx
		lastChild[i] = none
		n := node{
			handle:      e.handle,
			filter:      e.filter,
			listener:    e.listener,
			parent:      none,
			firstChild:  none,
			nextSibling: none,
		}
		if e.parent == 0 {
			if lastRoot == none {
				t.firstRoot = idx
			} else {
				t.nodes[lastRoot].nextSibling = idx
			}
			lastRoot = idx
		} else {
			p := index[e.parent]
			n.parent = p
			n.depth = t.nodes[p].depth + 1
			if lastChild[p] == none {
				t.nodes[p].firstChild = idx
			} else {
				t.nodes[lastChild[p]].nextSibling = idx
			}
			lastChild[p] = idx
		}
		t.nodes[i] = n
	}
	d.current.Store(t)
	d.metrics.SetListeners(len(t.nodes))
}

// Dispatch runs p through the tree and returns how many listeners were
// invoked. Listeners run synchronously in pre-order, registration order
// among siblings. A listener error or panic is logged and does not stop the
// pass.
func (d *Dispatcher) Dispatch(p cec.Packet) int {
	t := d.current.Load()
	invoked := 0

	i := t.firstRoot
	for i != none {
		n := &t.nodes[i]
		if n.filter.Match(p) {
			if n.listener != nil {
				invoked++
				d.invoke(n, p)
			}
			if n.firstChild != none {
				i = n.firstChild
				continue
			}
		}
		// next sibling, or climb until an ancestor has one
		for i != none && t.nodes[i].nextSibling == none {
			i = t.nodes[i].parent
		}
		if i != none {
			i = t.nodes[i].nextSibling
		}
	}
	return invoked
}

func (d *Dispatcher) invoke(n *node, p cec.Packet) {
	err := safeCall(n.listener, p)
	d.metrics.Invocation(err != nil)
	if err != nil {
		d.log.Error().Err(err).
			Uint64("handle", uint64(n.handle)).
			Str("filter", n.filter.String()).
			Str("packet", p.Describe()).
			Msg("listener failed")
	}
}

// PanicError wraps a value recovered from a listener.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("listener panic: %v", e.Value) }

func safeCall(l Listener, p cec.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return l.HandlePacket(p)
}

// Registration describes one node of the tree.
type Registration struct {
	Handle      Handle `json:"handle"`
	Parent      Handle `json:"parent,omitempty"`
	Depth       int    `json:"depth"`
	Filter      string `json:"filter"`
	HasListener bool   `json:"has_listener"`
}

// Snapshot lists the tree in evaluation order.
func (d *Dispatcher) Snapshot() []Registration {
	t := d.current.Load()
	out := make([]Registration, 0, len(t.nodes))
	var walk func(i int32)
	walk = func(i int32) {
		for ; i != none; i = t.nodes[i].nextSibling {
			n := t.nodes[i]
			r := Registration{
				Handle:      n.handle,
				Depth:       int(n.depth),
				Filter:      n.filter.String(),
				HasListener: n.listener != nil,
			}
			if n.parent != none {
				r.Parent = t.nodes[n.parent].handle
			}
			out = append(out, r)
			walk(n.firstChild)
		}
	}
	walk(t.firstRoot)
	return out
}

// Len is the number of registered nodes.
func (d *Dispatcher) Len() int { return len(d.current.Load().nodes) }
