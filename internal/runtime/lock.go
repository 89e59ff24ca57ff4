package runtime

import (
	"sync"

	"github.com/galago-re/dl/internal/caps"
)

// reentrantLock is the Loader lock (spec.md §5): a single mutex any
// number of nested calls from the same thread may re-acquire, because a
// module's DT_INIT constructor is allowed to call dlopen itself.
type reentrantLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner caps.ThreadID
	held  bool
	depth int
}

func newReentrantLock() *reentrantLock {
	l := &reentrantLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *reentrantLock) Acquire(tid caps.ThreadID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.held && l.owner != tid {
		l.cond.Wait()
	}
	l.owner = tid
	l.held = true
	l.depth++
}

func (l *reentrantLock) Release(tid caps.ThreadID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.depth--
	if l.depth == 0 {
		l.held = false
		l.cond.Broadcast()
	}
}
