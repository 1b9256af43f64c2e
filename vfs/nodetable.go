package vfs

import "fmt"

const nameTableSize = 4096

// nodeTable indexes live nodes by (parent id, name) through hash chains and
// by id through an arena map.
type nodeTable struct {
	buckets []*Node
	byID    map[uint64]*Node
	nextID  uint64
}

func newNodeTable() *nodeTable {
	return &nodeTable{
		buckets: make([]*Node, nameTableSize),
		byID:    make(map[uint64]*Node),
		nextID:  1,
	}
}

func hashName(parentID uint64, name string) int {
	var h int32
	for i := 0; i < len(name); i++ {
		h = (h << 5) - h + int32(name[i])
	}
	return int((parentID + uint64(uint32(h))) % nameTableSize)
}

func (t *nodeTable) allocID() uint64 {
	id := t.nextID
	t.nextID++
	return id
}

// register makes n reachable by id.
func (t *nodeTable) register(n *Node) {
	t.byID[n.id] = n
}

func (t *nodeTable) unregister(n *Node) {
	delete(t.byID, n.id)
}

func (t *nodeTable) get(id uint64) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// mustGet panics on dangling ids: every parent id of a live node must
// resolve.
func (t *nodeTable) mustGet(id uint64) *Node {
	n, ok := t.byID[id]
	if !ok {
		panic(fmt.Sprintf("vfs: dangling node id %d", id))
	}
	return n
}

func (t *nodeTable) insert(n *Node) {
	idx := hashName(n.parentID, n.name)
	n.next = t.buckets[idx]
	t.buckets[idx] = n
}

func (t *nodeTable) remove(n *Node) {
	idx := hashName(n.parentID, n.name)
	if t.buckets[idx] == n {
		t.buckets[idx] = n.next
		n.next = nil
		return
	}
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur.next == n {
			cur.next = n.next
			n.next = nil
			return
		}
	}
}

func (t *nodeTable) lookup(parentID uint64, name string) *Node {
	for cur := t.buckets[hashName(parentID, name)]; cur != nil; cur = cur.next {
		if cur.parentID == parentID && cur.name == name {
			return cur
		}
	}
	return nil
}

func (t *nodeTable) len() int {
	return len(t.byID)
}
