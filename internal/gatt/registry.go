package gatt

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrTypeMismatch   = errors.New("value type mismatch")
)

// Update is one pending channel write.
type Update struct {
	Channel ChannelID
	Value   Value
}

// Entry is a channel descriptor together with its cached value.
type Entry struct {
	Descriptor
	Value   Value
	Written bool
}

// Registry holds the cached value of every channel. Values are never
// connection scoped: they survive disconnects until overwritten.
type Registry struct {
	mu      sync.RWMutex
	values  [channelCount]Value
	written [channelCount]bool
}

// NewRegistry returns a registry with every channel at its zero value.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, d := range descriptors {
		r.values[d.ID] = Zero(d.Type)
	}
	return r
}

func check(u Update) error {
	d, err := Lookup(u.Channel)
	if err != nil {
		return err
	}
	if u.Value.Type() != d.Type {
		return fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, d.Name, d.Type, u.Value.Type())
	}
	return nil
}

// Store replaces the cached value of one channel.
func (r *Registry) Store(id ChannelID, v Value) error {
	return r.StoreBatch([]Update{{Channel: id, Value: v}})
}

// StoreBatch applies all updates or none of them. Readers never observe a
// partially applied batch.
func (r *Registry) StoreBatch(updates []Update) error {
	for _, u := range updates {
		if err := check(u); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		r.values[u.Channel] = u.Value
		r.written[u.Channel] = true
	}
	return nil
}

// Load returns the cached value of a channel, or its zero value if it was
// never written.
func (r *Registry) Load(id ChannelID) (Value, error) {
	if _, err := Lookup(id); err != nil {
		return Value{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[id], nil
}

// Snapshot returns every channel with its cached value in registry order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, Entry{Descriptor: d, Value: r.values[d.ID], Written: r.written[d.ID]})
	}
	return out
}
