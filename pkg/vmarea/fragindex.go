package vmarea

import (
	"fmt"
	"sync"

	"github.com/vmengine/codecache/pkg/hostarch"
)

// BlockHandle is an opaque identifier for a translated code block. The
// block cache itself is an external collaborator; this engine
// never dereferences a BlockHandle, only stores and compares it.
type BlockHandle uintptr

// NodeID addresses a fragment-index node inside an Arena. Using an
// index rather than a pointer avoids a cyclic ownership problem: blocks
// reference areas by tag, areas reference blocks via a list of indices,
// and freeing a block is freeing its arena slot once every area list
// has released it.
type NodeID int32

// NilNode means "no node" (an empty list, or the tail's Next). It is -1,
// not NodeID's zero value: 0 is a valid node index.
const NilNode NodeID = -1

type nodeKind uint8

const (
	kindHead nodeKind = iota
	kindExtra
)

// node is a fragment-index record, one of two variants (head, extra)
// distinguished by an explicit kind field.
type node struct {
	kind nodeKind
	// pendingInit mirrors the transient ExtraVmareaInit state: block is
	// not yet known, addr still holds the tag the block will be built
	// from.
	pendingInit bool
	deleted     bool

	block BlockHandle
	addr  hostarch.Addr // this node's source address within its area

	prev, next NodeID // list position within the owning area
	also       NodeID // for a head node: chain of Extra nodes for other spanned areas. For an extra node: continuation of the same chain.
}

// Arena owns all fragment-index nodes for one engine instance, kept in
// one slice with a free list of recycled slots. Nodes are released
// through Free, which both the flush engine and View.RemoveFragment call.
type Arena struct {
	mu       sync.Mutex
	nodes    []node
	freeList []NodeID
}

// NewArena returns an empty node arena.
func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) alloc(n node) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.freeList) > 0 {
		id := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
		a.nodes[id] = n
		return id
	}
	a.nodes = append(a.nodes, n)
	return NodeID(len(a.nodes) - 1)
}

// NewHead allocates a head record for a freshly built block whose
// primary source address is tag. It is not yet linked into any area's
// list; call Append to do that.
func (a *Arena) NewHead(block BlockHandle, tag hostarch.Addr) NodeID {
	return a.alloc(node{kind: kindHead, block: block, addr: tag, prev: NilNode, next: NilNode, also: NilNode})
}

// NewExtra allocates an extra record for a block that also reads from
// addr, inside a different area than its head. If the block does not
// exist yet (building is still in progress), block may be the tag
// itself with pendingInit set; FinishPending must be called once the
// real handle is known.
func (a *Arena) NewExtra(block BlockHandle, addr hostarch.Addr, pendingInit bool) NodeID {
	return a.alloc(node{kind: kindExtra, block: block, addr: addr, pendingInit: pendingInit, prev: NilNode, next: NilNode, also: NilNode})
}

// FinishPending clears the ExtraVmareaInit window on id once the block's
// real handle is known.
func (a *Arena) FinishPending(id NodeID, block BlockHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := &a.nodes[id]
	n.block = block
	n.pendingInit = false
}

// Get returns a copy of the node at id for inspection.
func (a *Arena) Get(id NodeID) node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[id]
}

// ChainAlso links extra as another spanned-area record of head's block.
func (a *Arena) ChainAlso(head, extra NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := &a.nodes[head]
	a.nodes[extra].also = h.also
	h.also = extra
}

// Also walks the also-chain of a live head node. Per invariant (iv),
// callers must not call this on a node already marked deleted.
func (a *Arena) Also(head NodeID, fn func(id NodeID)) {
	a.mu.Lock()
	if a.nodes[head].deleted {
		a.mu.Unlock()
		panic("vmarea: Also walked on a deleted block")
	}
	cur := a.nodes[head].also
	a.mu.Unlock()
	for cur != NilNode {
		fn(cur)
		a.mu.Lock()
		cur = a.nodes[cur].also
		a.mu.Unlock()
	}
}

// Append places id at the tail of the list anchored at *headSlot, using
// a circular-prev/NULL-next trick so appending is O(1): the list head's
// Prev always points at the current tail.
func (a *Arena) Append(headSlot *NodeID, id NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if *headSlot == NilNode {
		a.nodes[id].prev = id // circular: sole node is its own predecessor
		a.nodes[id].next = NilNode
		*headSlot = id
		return
	}
	head := *headSlot
	tail := a.nodes[head].prev
	a.nodes[tail].next = id
	a.nodes[id].prev = tail
	a.nodes[id].next = NilNode
	a.nodes[head].prev = id
}

// Remove disconnects id from the list anchored at *headSlot. If id was
// the head, the slot is reseated to the next node (or NilNode).
func (a *Arena) Remove(headSlot *NodeID, id NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := &a.nodes[id]
	prev, next := n.prev, n.next
	isHead := *headSlot == id
	if next != NilNode {
		a.nodes[next].prev = prev
	} else if isHead {
		// id was the sole/tail node; nothing to fix up.
	} else {
		// id was the tail of a longer list: fix the list head's circular
		// prev to point at the new tail.
		a.nodes[*headSlot].prev = prev
	}
	if !isHead {
		a.nodes[prev].next = next
	}
	if isHead {
		*headSlot = next
	}
	n.prev, n.next = NilNode, NilNode
}

// Free releases id back to the arena. The caller must have already
// removed it from any area list and from any also-chain.
func (a *Arena) Free(id NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[id] = node{prev: NilNode, next: NilNode, also: NilNode, deleted: true}
	a.freeList = append(a.freeList, id)
}

// Walk calls fn for every node in the list anchored at head, in order.
func (a *Arena) Walk(head NodeID, fn func(id NodeID, n node)) {
	cur := head
	for cur != NilNode {
		a.mu.Lock()
		n := a.nodes[cur]
		a.mu.Unlock()
		fn(cur, n)
		cur = n.next
	}
}

// Len counts the nodes in the list anchored at head.
func (a *Arena) Len(head NodeID) int {
	n := 0
	a.Walk(head, func(NodeID, node) { n++ })
	return n
}

// CheckInvariants verifies that every node on the list anchored at head
// has an address within [start, end).
func (a *Arena) CheckInvariants(head NodeID, start, end hostarch.Addr) error {
	var err error
	a.Walk(head, func(id NodeID, n node) {
		if err == nil && !(n.addr >= start && n.addr < end) {
			err = fmt.Errorf("node %d addr %#x outside area [%#x, %#x)", id, n.addr, start, end)
		}
	})
	return err
}
