package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
)

const DefaultRecentLimit = 3

type Notification struct {
	ID        string                      `json:"id"`
	Message   string                      `json:"message"`
	CreatedAt time.Time                   `json:"createdAt"`
	Read      bool                        `json:"read"`
	Record    applyfeed.ApplicationRecord `json:"record"`
}

// NotificationMessage is the user-facing line for a newly seen record.
func NotificationMessage(record applyfeed.ApplicationRecord) string {
	return fmt.Sprintf("New email from %s: %s", record.From, record.Subject)
}

type inboxState struct {
	Notifications []Notification `json:"notifications"`
	Seen          []string       `json:"seen,omitempty"`
	Newest        *time.Time     `json:"newest,omitempty"`
	Baselined     bool           `json:"baselined,omitempty"`
}

// Inbox holds notifications newest first. A record is admitted once per id,
// and a record with a parseable date must be strictly newer than the
// threshold it is offered against. Records with unparseable dates are
// deduplicated by id only.
type Inbox struct {
	mu        sync.Mutex
	stateFile string
	now       func() time.Time

	items     []Notification
	seen      map[string]struct{}
	newest    time.Time
	hasAny    bool
	baselined bool
}

// NewInbox loads stateFile if present. An empty stateFile keeps the inbox in
// memory.
func NewInbox(stateFile string) (*Inbox, error) {
	inbox := &Inbox{
		stateFile: stateFile,
		now:       time.Now,
		seen:      map[string]struct{}{},
	}
	if err := inbox.load(); err != nil {
		return nil, err
	}
	return inbox, nil
}

// Newest returns the highest record date known to the inbox.
func (i *Inbox) Newest() (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.newest, i.hasAny
}

// Offer admits record against the current newest date.
func (i *Inbox) Offer(record applyfeed.ApplicationRecord) (Notification, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.offerLocked(record, i.newest, i.hasAny)
}

// OfferSince admits record against a threshold captured by the caller.
func (i *Inbox) OfferSince(record applyfeed.ApplicationRecord, threshold time.Time, hasThreshold bool) (Notification, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.offerLocked(record, threshold, hasThreshold)
}

func (i *Inbox) offerLocked(record applyfeed.ApplicationRecord, threshold time.Time, hasThreshold bool) (Notification, bool, error) {
	if record.ID == "" {
		return Notification{}, false, nil
	}
	if _, ok := i.seen[record.ID]; ok {
		return Notification{}, false, nil
	}
	date, dated := record.DateTime()
	if dated && hasThreshold && !date.After(threshold) {
		return Notification{}, false, nil
	}

	notification := Notification{
		ID:        record.ID,
		Message:   NotificationMessage(record),
		CreatedAt: i.now().UTC(),
		Record:    record,
	}
	i.items = append([]Notification{notification}, i.items...)
	i.markSeenLocked(record.ID, date, dated)
	return notification, true, i.saveLocked()
}

// Seed records ids and dates as known without raising notifications and
// marks the inbox as baselined.
func (i *Inbox) Seed(records []applyfeed.ApplicationRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.baselined = true
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		date, dated := record.DateTime()
		i.markSeenLocked(record.ID, date, dated)
	}
	return i.saveLocked()
}

func (i *Inbox) markSeenLocked(id string, date time.Time, dated bool) {
	i.seen[id] = struct{}{}
	if dated && (!i.hasAny || date.After(i.newest)) {
		i.newest = date
		i.hasAny = true
	}
}

// Recent returns up to n notifications, newest first.
func (i *Inbox) Recent(n int) []Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n <= 0 || n > len(i.items) {
		n = len(i.items)
	}
	out := make([]Notification, n)
	copy(out, i.items[:n])
	return out
}

// Baselined reports whether the inbox has ever been seeded or has held a
// notification.
func (i *Inbox) Baselined() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.baselined || len(i.items) > 0
}

func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}

func (i *Inbox) UnreadCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	count := 0
	for _, item := range i.items {
		if !item.Read {
			count++
		}
	}
	return count
}

// MarkRead reports whether a notification with id exists.
func (i *Inbox) MarkRead(id string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.items {
		if i.items[idx].ID != id {
			continue
		}
		if i.items[idx].Read {
			return true, nil
		}
		i.items[idx].Read = true
		return true, i.saveLocked()
	}
	return false, nil
}

func (i *Inbox) MarkAllRead() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.items {
		i.items[idx].Read = true
	}
	return i.saveLocked()
}

func (i *Inbox) load() error {
	if i.stateFile == "" {
		return nil
	}
	data, err := os.ReadFile(i.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state inboxState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode inbox state %s: %w", i.stateFile, err)
	}
	i.items = state.Notifications
	for _, item := range state.Notifications {
		i.seen[item.ID] = struct{}{}
	}
	for _, id := range state.Seen {
		i.seen[id] = struct{}{}
	}
	if state.Newest != nil {
		i.newest = state.Newest.UTC()
		i.hasAny = true
	}
	i.baselined = state.Baselined
	return nil
}

func (i *Inbox) saveLocked() error {
	if i.stateFile == "" {
		return nil
	}
	state := inboxState{Notifications: i.items, Baselined: i.baselined}
	if state.Notifications == nil {
		state.Notifications = []Notification{}
	}
	state.Seen = make([]string, 0, len(i.seen))
	for id := range i.seen {
		state.Seen = append(state.Seen, id)
	}
	if i.hasAny {
		newest := i.newest
		state.Newest = &newest
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(i.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(i.stateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
