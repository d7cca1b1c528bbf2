// Package notify holds the user-facing notification list and the audible cues.
package notify

import (
	"slices"
	"sync"
	"time"

	"hark/internal/status"
)

type (
	Kind         = status.Kind
	Notification = status.Notification
)

const (
	Info    = status.Info
	Success = status.Success
	Warning = status.Warning
	Error   = status.Error
	Loading = status.Loading
)

// Center keeps notifications newest first. Loading notifications are keyed:
// showing a key again replaces the previous entry instead of stacking.
type Center struct {
	mu      sync.Mutex
	nextID  int
	items   []Notification
	loading map[string]int
	now     func() time.Time
	onAdd   []func(Notification)
}

func NewCenter() *Center {
	return &Center{
		loading: make(map[string]int),
		now:     time.Now,
	}
}

// OnAdd registers fn to be called for every new notification.
func (c *Center) OnAdd(fn func(Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdd = append(c.onAdd, fn)
}

func (c *Center) Add(kind Kind, msg string) int {
	c.mu.Lock()
	n := c.push(kind, msg)
	subs := slices.Clone(c.onAdd)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
	return n.ID
}

func (c *Center) Remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(id)
}

func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = nil
	c.loading = make(map[string]int)
}

func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}

func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Center) ShowLoading(key, msg string) int {
	c.mu.Lock()
	if id, ok := c.loading[key]; ok {
		c.remove(id)
	}
	n := c.push(Loading, msg)
	c.loading[key] = n.ID
	c.mu.Unlock()

	return n.ID
}

func (c *Center) CompleteLoading(key, msg string) int {
	c.clearLoading(key)
	return c.Add(Success, msg)
}

func (c *Center) FailLoading(key, msg string) int {
	c.clearLoading(key)
	return c.Add(Error, msg)
}

func (c *Center) clearLoading(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.loading[key]; ok {
		c.remove(id)
		delete(c.loading, key)
	}
}

func (c *Center) push(kind Kind, msg string) Notification {
	c.nextID++
	n := Notification{
		ID:        c.nextID,
		Type:      kind,
		Message:   msg,
		Timestamp: c.now(),
	}
	c.items = append([]Notification{n}, c.items...)
	return n
}

func (c *Center) remove(id int) {
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}
