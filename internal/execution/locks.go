package execution

import (
	"context"
	"sync"

	"github.com/devlongs/dexarb/pkg/types"
)

// PathLocks is the exclusion set of paths currently executing.
// TryAcquire is an atomic insert-if-absent returning types.ErrPathBusy
// when the path is already held.
type PathLocks interface {
	TryAcquire(ctx context.Context, pathID string) (release func(), err error)
	Held(pathID string) bool
}

// MemoryLocks is the in-process exclusion set
type MemoryLocks struct {
	held sync.Map
}

func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{}
}

func (l *MemoryLocks) TryAcquire(_ context.Context, pathID string) (func(), error) {
	if _, loaded := l.held.LoadOrStore(pathID, struct{}{}); loaded {
		return nil, types.ErrPathBusy
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.held.Delete(pathID) })
	}, nil
}

func (l *MemoryLocks) Held(pathID string) bool {
	_, ok := l.held.Load(pathID)
	return ok
}
