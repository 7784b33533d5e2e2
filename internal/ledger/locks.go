package ledger

import "sync"

// GroupLocks serializes every balance read-modify-write within one primary wallet group
type GroupLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGroupLocks() *GroupLocks {
	return &GroupLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the group is held and returns its release func
func (g *GroupLocks) Lock(primaryWalletName string) func() {
	g.mu.Lock()
	l, ok := g.locks[primaryWalletName]
	if !ok {
		l = &sync.Mutex{}
		g.locks[primaryWalletName] = l
	}
	g.mu.Unlock()

	l.Lock()
	return l.Unlock
}
