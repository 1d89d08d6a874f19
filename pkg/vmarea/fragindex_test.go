package vmarea

import (
	"testing"

	"github.com/vmengine/codecache/pkg/hostarch"
)

func TestArenaAppendOrderAndLen(t *testing.T) {
	a := NewArena()
	var head NodeID = NilNode

	ids := make([]NodeID, 3)
	for i := range ids {
		ids[i] = a.NewHead(BlockHandle(i+1), hostarchAddr(i))
		a.Append(&head, ids[i])
	}

	if got := a.Len(head); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	var order []NodeID
	a.Walk(head, func(id NodeID, _ node) { order = append(order, id) })
	for i, id := range order {
		if id != ids[i] {
			t.Errorf("Walk order[%d] = %d, want %d", i, id, ids[i])
		}
	}
}

func TestArenaRemoveHeadMiddleTail(t *testing.T) {
	a := NewArena()
	var head NodeID = NilNode
	ids := make([]NodeID, 4)
	for i := range ids {
		ids[i] = a.NewHead(BlockHandle(i), hostarchAddr(i))
		a.Append(&head, ids[i])
	}

	// Remove the head (ids[0]).
	a.Remove(&head, ids[0])
	if head != ids[1] {
		t.Fatalf("after removing head, list head = %d, want %d", head, ids[1])
	}
	if got := a.Len(head); got != 3 {
		t.Fatalf("Len after head removal = %d, want 3", got)
	}

	// Remove a middle node (ids[2]).
	a.Remove(&head, ids[2])
	var order []NodeID
	a.Walk(head, func(id NodeID, _ node) { order = append(order, id) })
	want := []NodeID{ids[1], ids[3]}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}

	// Remove the remaining tail down to empty.
	a.Remove(&head, ids[1])
	a.Remove(&head, ids[3])
	if head != NilNode {
		t.Fatalf("head = %d after removing every node, want NilNode", head)
	}
	if got := a.Len(head); got != 0 {
		t.Errorf("Len on empty list = %d, want 0", got)
	}
}

func TestArenaAlsoChainAndDeletedPanics(t *testing.T) {
	a := NewArena()
	head := a.NewHead(1, hostarchAddr(0))
	e1 := a.NewExtra(1, hostarchAddr(1), false)
	e2 := a.NewExtra(1, hostarchAddr(2), false)
	a.ChainAlso(head, e1)
	a.ChainAlso(head, e2)

	var seen []NodeID
	a.Also(head, func(id NodeID) { seen = append(seen, id) })
	// ChainAlso pushes onto the front of the also-chain, so e2 precedes e1.
	want := []NodeID{e2, e1}
	if len(seen) != len(want) {
		t.Fatalf("Also visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Also[%d] = %d, want %d", i, seen[i], want[i])
		}
	}

	a.Free(head)
	defer func() {
		if recover() == nil {
			t.Errorf("Also on a deleted head did not panic")
		}
	}()
	a.Also(head, func(NodeID) {})
}

func TestArenaFreeRecyclesSlot(t *testing.T) {
	a := NewArena()
	id := a.NewHead(1, hostarchAddr(0))
	a.Free(id)
	reused := a.NewHead(2, hostarchAddr(5))
	if reused != id {
		t.Errorf("Free did not recycle the arena slot: got %d, want %d", reused, id)
	}
}

func TestArenaCheckInvariants(t *testing.T) {
	a := NewArena()
	var head NodeID = NilNode
	in := a.NewHead(1, hostarchAddr(0x1500))
	a.Append(&head, in)
	if err := a.CheckInvariants(head, 0x1000, 0x2000); err != nil {
		t.Errorf("CheckInvariants on in-range node: %v", err)
	}

	out := a.NewHead(2, hostarchAddr(0x9000))
	a.Append(&head, out)
	if err := a.CheckInvariants(head, 0x1000, 0x2000); err == nil {
		t.Errorf("CheckInvariants did not flag an out-of-range node")
	}
}

func hostarchAddr(n int) hostarch.Addr { return hostarch.Addr(0x1000 + n*0x10) }
