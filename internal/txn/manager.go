// Package txn implements the transaction table shared across a Connection,
// its Sessions, and their Handles: an id-indexed map of in-flight
// request/response pairs with owner-identity validation on close.
package txn

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// TimeoutError is returned to a transaction's onError continuation when its
// timeout elapses before the server responds. The root janode package
// recognizes this type to attach KindTimeout.
type TimeoutError struct{ Message string }

func (e *TimeoutError) Error() string { return e.Message }

// maxSafeInteger mirrors spec.md's "MAX_SAFE" ceiling for the id counter's
// wraparound, matching JavaScript's Number.MAX_SAFE_INTEGER so a process
// speaking to a mixed fleet of clients never emits an id a peer couldn't
// round-trip through a float64.
const maxSafeInteger = (uint64(1) << 53) - 1

var idCounter uint64

func init() {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// fixed seed rather than panicking at package init.
		idCounter = 1
		return
	}
	n := binary.BigEndian.Uint64(seed[:])
	idCounter = n % maxSafeInteger
}

// NextID returns the next transaction id: a process-wide monotonic counter
// seeded randomly at startup, emitted as a decimal string, wrapping to 0 at
// maxSafeInteger.
func NextID() string {
	for {
		cur := atomic.LoadUint64(&idCounter)
		next := cur + 1
		if next > maxSafeInteger {
			next = 0
		}
		if atomic.CompareAndSwapUint64(&idCounter, cur, next) {
			return strconv.FormatUint(cur, 10)
		}
	}
}

// Transaction is one pending request/response pairing.
type Transaction struct {
	ID      string
	Owner   any
	Request string // the originating request's verb, e.g. "keepalive"

	onDone  func(data map[string]any)
	onError func(err error)

	mu     sync.Mutex
	closed bool
	timer  *time.Timer
}

// Manager is the id -> Transaction table. A single Manager instance is
// shared by a Connection and every Session/Handle beneath it.
type Manager struct {
	mu    sync.Mutex
	table map[string]*Transaction

	debug     atomic.Bool
	debugOnce sync.Once
	stopDebug chan struct{}
}

// New constructs an empty transaction manager.
func New() *Manager {
	return &Manager{table: make(map[string]*Transaction)}
}

// EnableDebugLogging starts a goroutine that logs the table size every 5
// seconds, per spec.md §4.2's "Optional debug mode" — useful for leak
// detection, wired to the --debug-tx CLI flag.
func (m *Manager) EnableDebugLogging() {
	if !m.debug.CompareAndSwap(false, true) {
		return
	}
	m.stopDebug = make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopDebug:
				return
			case <-ticker.C:
				m.mu.Lock()
				n := len(m.table)
				m.mu.Unlock()
				slog.Debug("transaction table size", "count", n)
			}
		}
	}()
}

// StopDebugLogging stops the periodic logger started by EnableDebugLogging.
func (m *Manager) StopDebugLogging() {
	if m.debug.CompareAndSwap(true, false) && m.stopDebug != nil {
		close(m.stopDebug)
	}
}

// Create registers a new pending transaction for id, owned by owner. It
// returns nil if id is already in use. A positive timeout arms a timer
// that, on expiry, removes the entry and invokes onError with a
// "Transaction timed out!" error.
func (m *Manager) Create(id string, owner any, request string, onDone func(data map[string]any), onError func(err error), timeout time.Duration) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.table[id]; exists {
		return nil
	}

	t := &Transaction{
		ID:      id,
		Owner:   owner,
		Request: request,
		onDone:  onDone,
		onError: onError,
	}
	m.table[id] = t

	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, func() {
			m.mu.Lock()
			cur, present := m.table[id]
			if present && cur == t {
				delete(m.table, id)
			}
			m.mu.Unlock()
			if present && cur == t {
				t.fireError(&TimeoutError{Message: "Transaction timed out!"})
			}
		})
	}

	return t
}

// CloseWithSuccess closes id's transaction with a successful result,
// invoking its onDone continuation. It is a no-op if id is unknown or if
// owner does not match the transaction's recorded owner by identity.
func (m *Manager) CloseWithSuccess(id string, owner any, data map[string]any) bool {
	t := m.remove(id, owner)
	if t == nil {
		return false
	}
	t.fireDone(data)
	return true
}

// CloseWithError closes id's transaction with err, invoking its onError
// continuation. Same ownership/no-op rules as CloseWithSuccess.
func (m *Manager) CloseWithError(id string, owner any, err error) bool {
	t := m.remove(id, owner)
	if t == nil {
		return false
	}
	t.fireError(err)
	return true
}

// remove deletes and returns the transaction for id if it exists and owner
// matches by identity (or owner is nil, meaning "don't check"); it does not
// fire continuations so callers can decide success vs. error.
func (m *Manager) remove(id string, owner any) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.table[id]
	if !ok {
		return nil
	}
	if owner != nil && t.Owner != owner {
		return nil
	}
	delete(m.table, id)
	return t
}

// CloseAllWithError closes every transaction owned by owner (or every
// transaction in the table if owner is nil) with err. Used by cascading
// teardown at every level.
func (m *Manager) CloseAllWithError(owner any, err error) {
	m.mu.Lock()
	var victims []*Transaction
	for id, t := range m.table {
		if owner == nil || t.Owner == owner {
			victims = append(victims, t)
			delete(m.table, id)
		}
	}
	m.mu.Unlock()

	for _, t := range victims {
		t.fireError(err)
	}
}

// Lookup returns the transaction for id without removing it, used by
// routing rules that need to inspect the recorded owner/request verb
// before deciding how (or whether) to close it.
func (m *Manager) Lookup(id string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.table[id]
	return t, ok
}

// Size reports the current number of pending transactions.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

func (t *Transaction) fireDone(data map[string]any) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	if t.onDone != nil {
		t.onDone(data)
	}
}

func (t *Transaction) fireError(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	if t.onError != nil {
		t.onError(err)
	}
}
