package lsm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/caiatech/refgraph/datastore"
)

const (
	tableMagic = 0x52475354 // "RGST"
	// indexInterval is how many records share one sparse index entry.
	indexInterval = 16
	trailerSize   = 16
)

// indexEntry points at the first record of a run in the data section.
type indexEntry struct {
	Key    string `msgpack:"k"`
	Offset int64  `msgpack:"o"`
}

type tableFooter struct {
	Index []indexEntry `msgpack:"i"`
	Bloom *bloomFilter `msgpack:"b"`
	Count int          `msgpack:"n"`
}

// table is an immutable sorted file. Layout: records, then a msgpack
// footer (sparse index and bloom filter), then a trailer holding the
// footer offset, its length and a magic number. Records are
// uvarint(len key) key flags uvarint(len value) value.
type table struct {
	seq     uint64
	path    string
	file    *os.File
	dataEnd int64
	footer  tableFooter
}

// writeTable writes sorted records to path atomically: the data goes to a
// temporary file that is synced and renamed into place.
func writeTable(path string, records []kv, bloomBits int) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(file)
	footer := tableFooter{
		Bloom: newBloomFilter(len(records), bloomBits),
		Count: len(records),
	}
	var offset int64
	var buf [binary.MaxVarintLen64]byte
	for i, rec := range records {
		if i%indexInterval == 0 {
			footer.Index = append(footer.Index, indexEntry{Key: rec.key, Offset: offset})
		}
		footer.Bloom.add(rec.key)

		flags := byte(0)
		if rec.deleted {
			flags = 1
		}
		n := binary.PutUvarint(buf[:], uint64(len(rec.key)))
		w.Write(buf[:n])
		w.WriteString(rec.key)
		w.WriteByte(flags)
		m := binary.PutUvarint(buf[n:], uint64(len(rec.value)))
		w.Write(buf[n : n+m])
		w.Write(rec.value)
		offset += int64(n + len(rec.key) + 1 + m + len(rec.value))
	}

	meta, err := msgpack.Marshal(&footer)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to encode table footer: %w", err)
	}
	w.Write(meta)
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[0:8], uint64(offset))
	binary.LittleEndian.PutUint32(trailer[8:12], uint32(len(meta)))
	binary.LittleEndian.PutUint32(trailer[12:16], tableMagic)
	w.Write(trailer[:])

	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write table: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func openTable(path string, seq uint64) (*table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := loadTable(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: table %s: %v", datastore.ErrInvalidData, path, err)
	}
	t.seq = seq
	t.path = path
	return t, nil
}

func loadTable(file *os.File) (*table, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < trailerSize {
		return nil, errors.New("file too short")
	}

	var trailer [trailerSize]byte
	if _, err := file.ReadAt(trailer[:], stat.Size()-trailerSize); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(trailer[12:16]) != tableMagic {
		return nil, errors.New("bad magic")
	}
	dataEnd := int64(binary.LittleEndian.Uint64(trailer[0:8]))
	metaLen := int64(binary.LittleEndian.Uint32(trailer[8:12]))
	if dataEnd+metaLen+trailerSize != stat.Size() {
		return nil, errors.New("inconsistent trailer")
	}

	meta := make([]byte, metaLen)
	if _, err := file.ReadAt(meta, dataEnd); err != nil {
		return nil, err
	}
	t := &table{file: file, dataEnd: dataEnd}
	if err := msgpack.Unmarshal(meta, &t.footer); err != nil {
		return nil, err
	}
	if t.footer.Bloom == nil {
		t.footer.Bloom = &bloomFilter{}
	}
	return t, nil
}

// reader returns a record reader starting at the index run that could
// hold key.
func (t *table) reader(key string) (*bufio.Reader, bool) {
	idx := t.footer.Index
	i := sort.Search(len(idx), func(i int) bool { return idx[i].Key > key }) - 1
	if i < 0 {
		i = 0
	}
	if len(idx) == 0 {
		return nil, false
	}
	start := idx[i].Offset
	return bufio.NewReader(io.NewSectionReader(t.file, start, t.dataEnd-start)), true
}

func (t *table) get(key string) (entry, bool, error) {
	if !t.footer.Bloom.mayContain(key) {
		return entry{}, false, nil
	}
	r, ok := t.reader(key)
	if !ok {
		return entry{}, false, nil
	}
	for {
		rec, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return entry{}, false, nil
		}
		if err != nil {
			return entry{}, false, fmt.Errorf("%w: table %s: %v", datastore.ErrInvalidData, t.path, err)
		}
		switch {
		case rec.key == key:
			return rec.entry, true, nil
		case rec.key > key:
			return entry{}, false, nil
		}
	}
}

// scan calls fn for every record whose key starts with prefix, in order.
func (t *table) scan(prefix string, fn func(kv)) error {
	r, ok := t.reader(prefix)
	if !ok {
		return nil
	}
	for {
		rec, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: table %s: %v", datastore.ErrInvalidData, t.path, err)
		}
		if strings.HasPrefix(rec.key, prefix) {
			fn(rec)
		} else if rec.key > prefix {
			return nil
		}
	}
}

func readRecord(r *bufio.Reader) (kv, error) {
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return kv{}, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return kv{}, unexpected(err)
	}
	flags, err := r.ReadByte()
	if err != nil {
		return kv{}, unexpected(err)
	}
	valueLen, err := binary.ReadUvarint(r)
	if err != nil {
		return kv{}, unexpected(err)
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return kv{}, unexpected(err)
	}
	return kv{key: string(key), entry: entry{value: value, deleted: flags&1 != 0}}, nil
}

// unexpected turns EOF inside a record into a corruption error.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (t *table) close() error {
	return t.file.Close()
}
