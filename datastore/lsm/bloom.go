package lsm

import "hash/fnv"

// bloomFilter answers "definitely absent" for keys a table never held, so
// lookups for new objects skip the table's data section.
type bloomFilter struct {
	Bits   []uint64 `msgpack:"b"`
	Hashes uint32   `msgpack:"h"`
}

func newBloomFilter(items, bitsPerItem int) *bloomFilter {
	if items < 1 {
		items = 1
	}
	if bitsPerItem < 1 {
		bitsPerItem = 1
	}
	hashes := uint32(float64(bitsPerItem) * 0.693) // ln 2
	if hashes < 1 {
		hashes = 1
	}
	if hashes > 16 {
		hashes = 16
	}
	words := (items*bitsPerItem + 63) / 64
	return &bloomFilter{Bits: make([]uint64, words), Hashes: hashes}
}

func (bf *bloomFilter) add(key string) {
	h1, h2 := bloomHash(key)
	n := uint32(len(bf.Bits) * 64)
	for i := uint32(0); i < bf.Hashes; i++ {
		bit := (h1 + i*h2) % n
		bf.Bits[bit/64] |= 1 << (bit % 64)
	}
}

func (bf *bloomFilter) mayContain(key string) bool {
	if len(bf.Bits) == 0 {
		return true
	}
	h1, h2 := bloomHash(key)
	n := uint32(len(bf.Bits) * 64)
	for i := uint32(0); i < bf.Hashes; i++ {
		bit := (h1 + i*h2) % n
		if bf.Bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// bloomHash derives the two double-hashing seeds; the second is forced odd.
func bloomHash(key string) (uint32, uint32) {
	a := fnv.New32a()
	a.Write([]byte(key))
	b := fnv.New32()
	b.Write([]byte(key))
	return a.Sum32(), b.Sum32() | 1
}
