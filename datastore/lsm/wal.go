package lsm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const walFile = "current.wal"

// record is one logged mutation. Deleted records are tombstones.
type record struct {
	Key     string `msgpack:"k"`
	Value   []byte `msgpack:"v,omitempty"`
	Deleted bool   `msgpack:"d,omitempty"`
}

// writeAheadLog makes memtable contents durable until they are flushed.
// Each frame is a 4-byte payload length, a 4-byte CRC-32 of the payload and
// the msgpack-encoded record.
type writeAheadLog struct {
	path string
	file *os.File
	w    *bufio.Writer
	sync bool
	size int64
}

// openWAL replays the log in dir and reopens it for appending. A torn or
// corrupt tail, left by a crash mid-write, is cut off.
func openWAL(dir string, syncWrites bool) (*writeAheadLog, []record, error) {
	path := filepath.Join(dir, walFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	records, good, err := readFrames(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if err := file.Truncate(good); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to truncate WAL tail: %w", err)
	}
	if _, err := file.Seek(good, io.SeekStart); err != nil {
		file.Close()
		return nil, nil, err
	}

	return &writeAheadLog{
		path: path,
		file: file,
		w:    bufio.NewWriter(file),
		sync: syncWrites,
		size: good,
	}, records, nil
}

// readFrames decodes frames until EOF or the first damaged frame and
// returns the offset just past the last good one.
func readFrames(r *bufio.Reader) ([]record, int64, error) {
	var (
		records []record
		offset  int64
		header  [8]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, offset, nil
			}
			return nil, 0, fmt.Errorf("failed to read WAL: %w", err)
		}
		n := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return records, offset, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return records, offset, nil
		}
		var rec record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return records, offset, nil
		}

		records = append(records, rec)
		offset += int64(len(header)) + int64(n)
	}
}

// append logs records as one write; with sync enabled they are on disk
// when it returns.
func (l *writeAheadLog) append(records ...record) error {
	var header [8]byte
	for _, rec := range records {
		payload, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to encode WAL record: %w", err)
		}
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
		if _, err := l.w.Write(header[:]); err != nil {
			return err
		}
		if _, err := l.w.Write(payload); err != nil {
			return err
		}
		l.size += int64(len(header) + len(payload))
	}

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("failed to write WAL: %w", err)
	}
	if l.sync {
		return l.file.Sync()
	}
	return nil
}

// reset empties the log once its contents are safely in a table.
func (l *writeAheadLog) reset() error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	l.w.Reset(l.file)
	l.size = 0
	return l.file.Sync()
}

func (l *writeAheadLog) close() error {
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
