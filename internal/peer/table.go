package peer

import (
	"errors"
)

const DefaultMaxPeers = 12

var ErrTableFull = errors.New("routing table full")

// Table is the routing state of one messaging session: which peer id
// belongs to which copayer, which peers completed a hello, which copayers
// we already greeted, and an optional allow-list.
//
// Table is not safe for concurrent use. The owning session serialises
// access.
type Table struct {
	maxPeers  int
	routes    map[string]string
	order     []string
	connected []string
	greeted   map[string]struct{}
	allowed   map[string]struct{}
	allowList []string
}

func NewTable(maxPeers int) *Table {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	t := &Table{maxPeers: maxPeers}
	t.Reset()
	return t
}

func (t *Table) MaxPeers() int {
	return t.maxPeers
}

// SetMaxPeers changes the cap for future bindings. Existing routes stay.
func (t *Table) SetMaxPeers(n int) {
	if n > 0 {
		t.maxPeers = n
	}
}

// Bind records peerID as belonging to copayerID unless peerID is already
// bound or the table holds maxPeers routes. It reports whether peerID is
// bound after the call.
func (t *Table) Bind(peerID, copayerID string) bool {
	if _, ok := t.routes[peerID]; ok {
		return true
	}
	if len(t.routes) >= t.maxPeers {
		return false
	}
	t.routes[peerID] = copayerID
	t.order = append(t.order, peerID)
	return true
}

// Connect binds peerID and adds it to the connected set. added is false
// when the peer was already connected.
func (t *Table) Connect(peerID, copayerID string) (added bool, err error) {
	if !t.Bind(peerID, copayerID) {
		return false, ErrTableFull
	}
	if t.IsConnected(peerID) {
		return false, nil
	}
	t.connected = append(t.connected, peerID)
	return true, nil
}

func (t *Table) IsConnected(peerID string) bool {
	for _, id := range t.connected {
		if id == peerID {
			return true
		}
	}
	return false
}

// Delete removes every trace of peerID. It reports whether anything was
// removed.
func (t *Table) Delete(peerID string) bool {
	_, routed := t.routes[peerID]
	delete(t.routes, peerID)
	t.order = remove(t.order, peerID)
	n := len(t.connected)
	t.connected = remove(t.connected, peerID)
	return routed || n != len(t.connected)
}

func (t *Table) CopayerFor(peerID string) (string, bool) {
	c, ok := t.routes[peerID]
	return c, ok
}

// MarkGreeted records that a hello was sent to copayerID and reports
// whether this is the first one since the last reset.
func (t *Table) MarkGreeted(copayerID string) bool {
	if _, ok := t.greeted[copayerID]; ok {
		return false
	}
	t.greeted[copayerID] = struct{}{}
	return true
}

func (t *Table) Greeted(copayerID string) bool {
	_, ok := t.greeted[copayerID]
	return ok
}

// Lock switches the table to allow-list mode. Only listed copayers may
// complete a hello afterwards.
func (t *Table) Lock(copayerIDs []string) {
	t.allowed = make(map[string]struct{}, len(copayerIDs))
	t.allowList = t.allowList[:0]
	for _, id := range copayerIDs {
		if _, dup := t.allowed[id]; dup {
			continue
		}
		t.allowed[id] = struct{}{}
		t.allowList = append(t.allowList, id)
	}
}

func (t *Table) Locked() bool {
	return t.allowed != nil
}

func (t *Table) Allowed(copayerID string) bool {
	if t.allowed == nil {
		return true
	}
	_, ok := t.allowed[copayerID]
	return ok
}

// CopayerIDs lists the known copayers: the allow-list when locked,
// otherwise every routed copayer in binding order.
func (t *Table) CopayerIDs() []string {
	if t.allowed != nil {
		return append([]string(nil), t.allowList...)
	}
	out := make([]string, 0, len(t.order))
	for _, peerID := range t.order {
		out = append(out, t.routes[peerID])
	}
	return out
}

func (t *Table) ConnectedCopayers() []string {
	out := make([]string, 0, len(t.connected))
	for _, peerID := range t.connected {
		if c, ok := t.routes[peerID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) OnlinePeerIDs() []string {
	return append([]string(nil), t.connected...)
}

func (t *Table) Len() int {
	return len(t.routes)
}

// Reset drops routes, connections and greetings. The allow-list survives.
func (t *Table) Reset() {
	t.routes = make(map[string]string)
	t.order = nil
	t.connected = nil
	t.greeted = make(map[string]struct{})
}

// Clear is Reset plus leaving allow-list mode.
func (t *Table) Clear() {
	t.Reset()
	t.allowed = nil
	t.allowList = nil
}

func remove(list []string, v string) []string {
	for i, id := range list {
		if id == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
