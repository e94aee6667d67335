// Package reconcile merges optimistic placeholders, server pushes and fetched pages
// into one ordered message list on the client.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
)

// MatchWindow bounds the createdAt distance for matching a push against a pending placeholder.
const MatchWindow = 5 * time.Second

// key is either a durable id or a temp id, never both.
type key struct {
	id   model.MessageID
	temp model.TempID
}

func durableKey(id model.MessageID) key { return key{id: id} }
func tempKey(t model.TempID) key        { return key{temp: t} }

// Entry is one visible message.
type Entry struct {
	Message event.Message
	Status  model.ReceiptStatus
}

// Pending reports whether the entry is still keyed by its temp id.
func (e Entry) Pending() bool { return e.Message.ID == nil }

// Timeline is a keyed union of messages. Insertion order is never trusted: Messages sorts by createdAt.
type Timeline struct {
	self uuid.UUID

	mu      sync.Mutex
	entries map[key]*Entry
	// temp ids already reconciled, so late copies of the optimistic broadcast are ignored
	aliases map[model.TempID]model.MessageID
}

// New returns an empty timeline for the user self.
func New(self uuid.UUID) *Timeline {
	return &Timeline{
		self:    self,
		entries: map[key]*Entry{},
		aliases: map[model.TempID]model.MessageID{},
	}
}

func statusOf(m event.Message) model.ReceiptStatus {
	switch {
	case m.ID == nil:
		return model.StatusPending
	case m.ReadAt != nil || m.Read:
		return model.StatusRead
	case m.DeliveredAt != nil:
		return model.StatusDelivered
	default:
		return model.StatusSent
	}
}

// AddOptimistic inserts a locally composed message under its temp id.
func (t *Timeline) AddOptimistic(m event.Message) {
	if m.TempID == "" {
		return
	}
	m.ID = nil
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.aliases[m.TempID]; done {
		return
	}
	k := tempKey(m.TempID)
	if _, ok := t.entries[k]; ok {
		return
	}
	t.entries[k] = &Entry{Message: m, Status: model.StatusPending}
}

// Reconcile swaps the placeholder tempID for the durable record. If realID is already present
// (a fetch got there first) the placeholder is just dropped. Repeating the call changes nothing.
func (t *Timeline) Reconcile(tempID model.TempID, realID model.MessageID, record event.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconcileLocked(tempID, realID, record)
}

func (t *Timeline) reconcileLocked(tempID model.TempID, realID model.MessageID, record event.Message) {
	if realID.IsNil() {
		return
	}
	if tempID != "" {
		delete(t.entries, tempKey(tempID))
		t.aliases[tempID] = realID
	}
	id := realID
	record.ID = &id
	record.TempID = tempID
	k := durableKey(realID)
	if cur, ok := t.entries[k]; ok {
		cur.Status = cur.Status.Advance(statusOf(record))
		return
	}
	t.entries[k] = &Entry{Message: record, Status: statusOf(record)}
}

// Push applies a real-time message. A copy of something already visible is a no-op apart from
// receipt progress.
func (t *Timeline) Push(m event.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushLocked(m)
}

func (t *Timeline) pushLocked(m event.Message) {
	if m.ID == nil {
		// optimistic broadcast from another member
		if m.TempID == "" {
			return
		}
		if _, done := t.aliases[m.TempID]; done {
			return
		}
		k := tempKey(m.TempID)
		if _, ok := t.entries[k]; !ok {
			t.entries[k] = &Entry{Message: m, Status: model.StatusPending}
		}
		return
	}
	k := durableKey(*m.ID)
	if cur, ok := t.entries[k]; ok {
		cur.Status = cur.Status.Advance(statusOf(m))
		return
	}
	if m.TempID != "" {
		if _, ok := t.entries[tempKey(m.TempID)]; ok {
			t.reconcileLocked(m.TempID, *m.ID, m)
			return
		}
	}
	if t.matchesPendingLocked(m) {
		return
	}
	t.entries[k] = &Entry{Message: m, Status: statusOf(m)}
}

// matchesPendingLocked is the fallback for pushes that carry no temp id: same sender, same
// target, same content, close in time.
func (t *Timeline) matchesPendingLocked(m event.Message) bool {
	for k, e := range t.entries {
		if k.temp == "" {
			continue
		}
		p := e.Message
		if p.SenderID != m.SenderID || !sameTarget(p, m) || !sameContent(p, m) {
			continue
		}
		d := p.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= MatchWindow {
			return true
		}
	}
	return false
}

func sameTarget(a, b event.Message) bool {
	eq := func(x, y *uuid.UUID) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	return eq(a.ReceiverID, b.ReceiverID) && eq(a.GroupID, b.GroupID)
}

func sameContent(a, b event.Message) bool {
	if a.Type != b.Type || a.Content != b.Content || a.MediaURL != b.MediaURL {
		return false
	}
	x, y := a.EncryptedContent, b.EncryptedContent
	if x.Empty() || y.Empty() {
		return x.Empty() == y.Empty()
	}
	return x.Ciphertext == y.Ciphertext && x.IV == y.IV
}

// Merge folds in a fetched page. Known ids only advance their receipt state.
func (t *Timeline) Merge(fetched []event.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range fetched {
		if m.ID == nil {
			continue
		}
		k := durableKey(*m.ID)
		if cur, ok := t.entries[k]; ok {
			cur.Status = cur.Status.Advance(statusOf(m))
			continue
		}
		t.entries[k] = &Entry{Message: m, Status: statusOf(m)}
	}
}

// Advance moves the listed messages forward to s. Unknown ids and backward moves are ignored.
func (t *Timeline) Advance(ids []model.MessageID, s model.ReceiptStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if e, ok := t.entries[durableKey(id)]; ok {
			e.Status = e.Status.Advance(s)
		}
	}
}

// Fail marks the caller's own placeholder as failed. It stays visible so it can be retried.
func (t *Timeline) Fail(tempID model.TempID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[tempKey(tempID)]; ok {
		e.Status = e.Status.Advance(model.StatusFailed)
	}
}

// Withdraw retracts a placeholder whose write failed. Someone else's copy is removed; our own
// copy is kept as failed.
func (t *Timeline) Withdraw(tempID model.TempID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tempKey(tempID)
	e, ok := t.entries[k]
	if !ok {
		return
	}
	if e.Message.SenderID == t.self {
		e.Status = e.Status.Advance(model.StatusFailed)
		return
	}
	delete(t.entries, k)
}

// Apply routes a server frame to the matching reducer step. It reports whether the frame touched messages.
func (t *Timeline) Apply(f event.ServerFrame) (bool, error) {
	switch f.Kind {
	case event.NewMessage, event.NewDirectMessage:
		var m event.Message
		if err := f.Bind(&m); err != nil {
			return false, err
		}
		t.Push(m)
	case event.MessageUpdated:
		var p event.MessageUpdatedPayload
		if err := f.Bind(&p); err != nil {
			return false, err
		}
		t.Reconcile(p.TempID, p.RealID, p.Message)
	case event.MessageDelivered:
		var p event.MessageDeliveredPayload
		if err := f.Bind(&p); err != nil {
			return false, err
		}
		if p.Message == nil {
			return false, nil
		}
		t.Reconcile(p.TempID, p.MessageID, *p.Message)
	case event.MessageWithdrawn:
		var p event.MessageWithdrawnPayload
		if err := f.Bind(&p); err != nil {
			return false, err
		}
		t.Withdraw(p.TempID)
	case event.MessagesDelivered:
		var p event.MessagesDeliveredPayload
		if err := f.Bind(&p); err != nil {
			return false, err
		}
		t.Advance(p.MessageIDs, model.StatusDelivered)
	case event.MessagesRead:
		var p event.MessagesReadPayload
		if err := f.Bind(&p); err != nil {
			return false, err
		}
		t.Advance(p.MessageIDs, model.StatusRead)
	case event.Error:
		var p event.ErrorPayload
		if err := f.Bind(&p); err != nil {
			return false, err
		}
		if p.TempID == "" {
			return false, nil
		}
		t.Fail(p.TempID)
	default:
		return false, nil
	}
	return true, nil
}

// Find returns the entry a temp id currently resolves to, following it to the durable record once
// reconciled.
func (t *Timeline) Find(tempID model.TempID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tempKey(tempID)
	if id, ok := t.aliases[tempID]; ok {
		k = durableKey(id)
	}
	e, ok := t.entries[k]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of visible entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Messages returns the visible list ordered by createdAt, ties broken by id.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return sortKey(a) < sortKey(b)
	})
	return out
}

func sortKey(m event.Message) string {
	if m.ID != nil {
		return m.ID.String()
	}
	return string(m.TempID)
}
