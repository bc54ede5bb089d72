package session

import (
	"bytes"
	"context"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"wagate/internal/ports"
	"wagate/internal/types"
)

// Cache is the durable sequence of session entries. Every mutation copies the current
// sequence, persists the copy, and only then makes it current, so a failed write leaves the
// in-memory view equal to what is on the store. All writes are serialized by mu.
type Cache struct {
	mu      sync.Mutex
	store   ports.SessionBlobStore
	entries []types.SessionEntry
}

func NewCache(store ports.SessionBlobStore) *Cache {
	return &Cache{store: store}
}

// Load reads the backing store into memory. A missing store is created empty; a corrupt one
// is treated as empty and logged. Only a read failure is returned.
func (c *Cache) Load(ctx context.Context) ([]types.SessionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.store.ReadBlob(ctx)
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "read session cache")
	}
	if b == nil {
		c.entries = nil
		if err := c.write(ctx, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	entries, err := unmarshalEntries(b)
	if err != nil {
		log.WithError(err).Warn("session cache is corrupt, starting empty")
		entries = nil
	}
	c.entries = entries
	return cloneEntries(entries), nil
}

// Save replaces the whole sequence.
func (c *Cache) Save(ctx context.Context, entries []types.SessionEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := cloneEntries(entries)
	if err := c.write(ctx, next); err != nil {
		return err
	}
	c.entries = next
	return nil
}

// Entries returns a copy of the current sequence.
func (c *Cache) Entries() []types.SessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneEntries(c.entries)
}

func (c *Cache) Get(id string) (types.SessionEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(id)
	if i < 0 {
		return types.SessionEntry{}, false
	}
	return cloneEntry(c.entries[i]), true
}

// Append adds e unless an entry with the same id exists. It reports whether e was added.
func (c *Cache) Append(ctx context.Context, e types.SessionEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index(e.ID) >= 0 {
		return false, nil
	}
	next := append(cloneEntries(c.entries), cloneEntry(e))
	if err := c.write(ctx, next); err != nil {
		return false, err
	}
	c.entries = next
	return true, nil
}

// Remove deletes the entry for id. It reports whether an entry was removed.
func (c *Cache) Remove(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(id)
	if i < 0 {
		return false, nil
	}
	next := slices.Delete(cloneEntries(c.entries), i, i+1)
	if err := c.write(ctx, next); err != nil {
		return false, err
	}
	c.entries = next
	return true, nil
}

// SetAuth replaces the auth material of an existing entry. Unknown ids are ignored.
func (c *Cache) SetAuth(ctx context.Context, id string, auth []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(id)
	if i < 0 || bytes.Equal(c.entries[i].Auth, auth) {
		return nil
	}
	next := cloneEntries(c.entries)
	next[i].Auth = bytes.Clone(auth)
	if err := c.write(ctx, next); err != nil {
		return err
	}
	c.entries = next
	return nil
}

func (c *Cache) index(id string) int {
	return slices.IndexFunc(c.entries, func(e types.SessionEntry) bool { return e.ID == id })
}

// write must be called with mu held.
func (c *Cache) write(ctx context.Context, entries []types.SessionEntry) error {
	b, err := marshalEntries(entries)
	if err != nil {
		return types.Err(types.ErrStorage, err, "encode session cache")
	}
	if err := c.store.WriteBlob(ctx, b); err != nil {
		return types.Err(types.ErrStorage, err, "write session cache")
	}
	return nil
}

func cloneEntry(e types.SessionEntry) types.SessionEntry {
	e.Auth = bytes.Clone(e.Auth)
	return e
}

func cloneEntries(in []types.SessionEntry) []types.SessionEntry {
	if in == nil {
		return nil
	}
	out := make([]types.SessionEntry, len(in))
	for i, e := range in {
		out[i] = cloneEntry(e)
	}
	return out
}
