package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/autotara/internal/domain"
)

type leaseKey struct {
	workspace string
	key       domain.ArtifactKey
}

type leaseState int

const (
	leaseHeld leaseState = iota
	leaseCommitted
	leaseRevoked
)

// lease is one run's exclusive hold on a key.
type lease struct {
	key   leaseKey
	token string

	mu    sync.Mutex
	state leaseState
}

// commit runs fn while the lease is still held. It reports false without
// calling fn when the lease was revoked.
func (l *lease) commit(fn func() error) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseHeld {
		return false, nil
	}
	if err := fn(); err != nil {
		return true, err
	}
	l.state = leaseCommitted
	return true, nil
}

// revoke stops any later commit. It reports false when the commit already
// happened.
func (l *lease) revoke() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == leaseCommitted {
		return false
	}
	l.state = leaseRevoked
	return true
}

type leaseTable struct {
	mu   sync.Mutex
	held map[leaseKey]*lease
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[leaseKey]*lease)}
}

func (t *leaseTable) acquire(ws domain.Workspace, key domain.ArtifactKey) (*lease, bool) {
	k := leaseKey{workspace: ws.Key(), key: key}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.held[k]; busy {
		return nil, false
	}
	l := &lease{key: k, token: uuid.NewString()}
	t.held[k] = l
	return l, true
}

// release frees the key if l still holds it. It is safe to call repeatedly.
func (t *leaseTable) release(l *lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[l.key] == l {
		delete(t.held, l.key)
	}
}

func (t *leaseTable) running(ws domain.Workspace, key domain.ArtifactKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[leaseKey{workspace: ws.Key(), key: key}]
	return ok
}

// workspaceLocks serializes commits and model replacement within a
// workspace, so an input recheck and the write it guards see one state.
type workspaceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWorkspaceLocks() *workspaceLocks {
	return &workspaceLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the workspace is free and returns its unlock func.
func (w *workspaceLocks) lock(ws domain.Workspace) func() {
	w.mu.Lock()
	m, ok := w.locks[ws.Key()]
	if !ok {
		m = &sync.Mutex{}
		w.locks[ws.Key()] = m
	}
	w.mu.Unlock()

	m.Lock()
	return m.Unlock
}
