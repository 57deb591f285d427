package member

import (
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const table = "member"

// record is the go-memdb-stored shape: Member's fields are reachable
// directly via Go's field promotion (memdb indexes by reflect.FieldByName),
// plus a derived string mirror of Status so it can be indexed — memdb's
// StringFieldIndex needs an actual string field, and Status is a typed uint8.
type record struct {
	Member
	StatusStr string
}

func newRecord(m Member) *record {
	return &record{Member: m, StatusStr: m.Status.String()}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
					"status": {
						Name:    "status",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "StatusStr"},
					},
				},
			},
		},
	}
}

// Accessor is the single-writer-discipline handle spec §4.7 calls for: every
// mutation of the member collection goes through it, inside one
// ExecuteUnderLock call.
type Accessor interface {
	Get(name string) (Member, bool)
	All() []Member
	FailedSnapshot() []Member
	LeftSnapshot() []Member

	Upsert(m Member) error
	Remove(name string) error
}

type txnAccessor struct {
	txn *memdb.Txn
}

func (a *txnAccessor) Get(name string) (Member, bool) {
	raw, err := a.txn.First(table, "id", name)
	if err != nil || raw == nil {
		return Member{}, false
	}
	return raw.(*record).Member, true
}

func (a *txnAccessor) All() []Member {
	it, err := a.txn.Get(table, "id")
	if err != nil {
		return nil
	}
	return collect(it)
}

func (a *txnAccessor) FailedSnapshot() []Member {
	it, err := a.txn.Get(table, "status", StatusFailed.String())
	if err != nil {
		return nil
	}
	return collect(it)
}

func (a *txnAccessor) LeftSnapshot() []Member {
	it, err := a.txn.Get(table, "status", StatusLeft.String())
	if err != nil {
		return nil
	}
	return collect(it)
}

func collect(it memdb.ResultIterator) []Member {
	var out []Member
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*record).Member)
	}
	return out
}

func (a *txnAccessor) Upsert(m Member) error {
	return a.txn.Insert(table, newRecord(m))
}

func (a *txnAccessor) Remove(name string) error {
	raw, err := a.txn.First(table, "id", name)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	return a.txn.Delete(table, raw)
}

// Manager is the transactional member store of spec §4.7.
type Manager struct {
	// mu serializes ExecuteUnderLock calls against each other; memdb's own
	// internal write lock already serializes writer txns, but we also need
	// read-modify-write call sequences (get member count, etc.) to observe
	// a stable snapshot across the whole closure, hence the explicit lock.
	mu sync.RWMutex
	db *memdb.MemDB
}

// NewManager creates an empty member manager.
func NewManager() (*Manager, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.Wrap(err, "member: failed to init memdb")
	}
	return &Manager{db: db}, nil
}

// ExecuteUnderLock is the only way to perform a multi-step atomic
// read/modify/write over the member set, per spec §4.7.
func (m *Manager) ExecuteUnderLock(fn func(Accessor) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.db.Txn(true)
	a := &txnAccessor{txn: txn}
	if err := fn(a); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (m *Manager) readTxn() *txnAccessor {
	return &txnAccessor{txn: m.db.Txn(false)}
}

// GetMembers returns a point-in-time snapshot of every member.
func (m *Manager) GetMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readTxn().All()
}

// GetMember returns a single member by name.
func (m *Manager) GetMember(name string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readTxn().Get(name)
}

// GetMemberCount returns the total number of known members (all statuses).
func (m *Manager) GetMemberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readTxn().All())
}

// GetFailedMembersSnapshot returns members currently in StatusFailed.
func (m *Manager) GetFailedMembersSnapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readTxn().FailedSnapshot()
}

// GetLeftMembersSnapshot returns members currently in StatusLeft.
func (m *Manager) GetLeftMembersSnapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readTxn().LeftSnapshot()
}
