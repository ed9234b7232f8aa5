package irrigation_controller

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// pumpLocks serializes read-modify-write sections per pump.
type pumpLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPumpLocks() *pumpLocks {
	return &pumpLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires every pump in id order and returns the release func.
func (l *pumpLocks) Lock(ids ...string) func() {
	ids = lo.Uniq(ids)
	sort.Strings(ids)

	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		mu := l.get(id)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (l *pumpLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[id] = mu
	}
	return mu
}
