package keystore

import (
	"sort"
	"sync"

	"github.com/facebookgo/clock"
)

// Memory is an Index kept in a map. Nothing survives a restart.
type Memory struct {
	// Clock stamps new entries. Replace it before first use to control time
	// in tests.
	Clock clock.Clock

	m       sync.RWMutex
	entries map[triple]memEntry
	seq     int64
}

type triple struct {
	store, uuid, tag string
}

// seq breaks ties between entries inserted at the same instant
type memEntry struct {
	Entry
	seq int64
}

var _ Index = &Memory{}

// NewMemory returns an empty index.
func NewMemory() *Memory {
	return &Memory{
		Clock:   clock.New(),
		entries: make(map[triple]memEntry),
	}
}

func (mi *Memory) Put(store, uuid, tag, location string) error {
	k := triple{store, uuid, tag}
	mi.m.Lock()
	defer mi.m.Unlock()
	if _, ok := mi.entries[k]; ok {
		return ErrAlreadyExists
	}
	mi.seq++
	mi.entries[k] = memEntry{
		Entry: Entry{
			Store:    store,
			UUID:     uuid,
			Tag:      tag,
			Location: location,
			Inserted: mi.Clock.Now(),
		},
		seq: mi.seq,
	}
	return nil
}

func (mi *Memory) Get(store, uuid, tag string) (Entry, error) {
	mi.m.RLock()
	e, ok := mi.entries[triple{store, uuid, tag}]
	mi.m.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Entry, nil
}

func (mi *Memory) Exists(store, uuid, tag string) (bool, error) {
	mi.m.RLock()
	_, ok := mi.entries[triple{store, uuid, tag}]
	mi.m.RUnlock()
	return ok, nil
}

func (mi *Memory) Remove(store, uuid, tag string) error {
	k := triple{store, uuid, tag}
	mi.m.Lock()
	defer mi.m.Unlock()
	if _, ok := mi.entries[k]; !ok {
		return ErrNotFound
	}
	delete(mi.entries, k)
	return nil
}

func (mi *Memory) EntriesForUUID(store, uuid string) ([]Entry, error) {
	var result []Entry
	mi.m.RLock()
	for k, e := range mi.entries {
		if k.store == store && k.uuid == uuid {
			result = append(result, e.Entry)
		}
	}
	mi.m.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Tag < result[j].Tag })
	return result, nil
}

func (mi *Memory) Oldest(store string, limit int) ([]Entry, error) {
	var list []memEntry
	mi.m.RLock()
	for k, e := range mi.entries {
		if k.store == store {
			list = append(list, e)
		}
	}
	mi.m.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Inserted.Equal(list[j].Inserted) {
			return list[i].Inserted.Before(list[j].Inserted)
		}
		return list[i].seq < list[j].seq
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	result := make([]Entry, len(list))
	for i := range list {
		result[i] = list[i].Entry
	}
	return result, nil
}

func (mi *Memory) StoresHolding(uuid, tag string) ([]string, error) {
	var result []string
	mi.m.RLock()
	for k := range mi.entries {
		if k.uuid == uuid && k.tag == tag {
			result = append(result, k.store)
		}
	}
	mi.m.RUnlock()
	return result, nil
}

func (mi *Memory) Close() error { return nil }
