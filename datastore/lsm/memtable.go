package lsm

import "sort"

// entryOverhead approximates per-key bookkeeping when sizing the memtable.
const entryOverhead = 48

type entry struct {
	value   []byte
	deleted bool
}

// memTable buffers recent writes in memory. It is guarded by the store's
// lock.
type memTable struct {
	data map[string]entry
	size int64
}

func newMemTable() *memTable {
	return &memTable{data: make(map[string]entry)}
}

func (m *memTable) apply(rec record) {
	if old, ok := m.data[rec.Key]; ok {
		m.size -= int64(len(rec.Key) + len(old.value) + entryOverhead)
	}
	e := entry{deleted: rec.Deleted}
	if !rec.Deleted {
		e.value = append([]byte{}, rec.Value...)
	}
	m.data[rec.Key] = e
	m.size += int64(len(rec.Key) + len(e.value) + entryOverhead)
}

func (m *memTable) get(key string) (entry, bool) {
	e, ok := m.data[key]
	return e, ok
}

func (m *memTable) len() int {
	return len(m.data)
}

// sorted returns the contents in key order, tombstones included.
func (m *memTable) sorted() []kv {
	out := make([]kv, 0, len(m.data))
	for k, e := range m.data {
		out = append(out, kv{key: k, entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

type kv struct {
	key string
	entry
}
