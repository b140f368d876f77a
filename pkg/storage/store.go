// Package storage implements the content-addressed object store on top of a
// pluggable byte-level datastore backend.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/metrics"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// DefaultCacheSize is the number of decoded objects kept in memory.
const DefaultCacheSize = 4096

// ErrWrongType is wrapped when a typed read finds a different object kind.
var ErrWrongType = errors.New("unexpected object type")

// zstdMagic prefixes every zstd frame. Canonical objects start with an ASCII
// type name, so the two can never be confused.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Options configures an ObjectStore.
type Options struct {
	Algorithm object.Algorithm
	// CacheSize bounds the read cache; zero or less disables it.
	CacheSize int
	Compress  bool
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	RepoID    string
}

// ObjectStore stores immutable objects keyed by the hash of their canonical
// serialization. It is safe for concurrent use.
type ObjectStore struct {
	backend datastore.ObjectStore
	alg     object.Algorithm

	cache    *lru.Cache[object.Hash, []byte]
	inflight singleflight.Group

	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	logger  *logging.Logger
	metrics *metrics.Metrics
	repo    string
}

// New wraps backend.
func New(backend datastore.ObjectStore, opts Options) (*ObjectStore, error) {
	if backend == nil {
		return nil, vcserr.Invalid("storage.new", "backend is required")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = object.DefaultAlgorithm
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}

	s := &ObjectStore{
		backend:  backend,
		alg:      opts.Algorithm,
		compress: opts.Compress,
		logger:   opts.Logger.WithComponent("storage"),
		metrics:  opts.Metrics,
		repo:     opts.RepoID,
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[object.Hash, []byte](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create object cache: %w", err)
		}
		s.cache = cache
	}

	// The decoder is always present so that a store written with compression
	// stays readable after it is turned off.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.decoder = dec
	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.encoder = enc
	}

	return s, nil
}

// Algorithm returns the hash algorithm identifiers are computed with.
func (s *ObjectStore) Algorithm() object.Algorithm {
	return s.alg
}

// Close releases the codec resources. The backend is owned by the caller.
func (s *ObjectStore) Close() error {
	if s.encoder != nil {
		if err := s.encoder.Close(); err != nil {
			return err
		}
	}
	s.decoder.Close()
	return nil
}

// Write stores obj and returns its identifier. Writing content that is
// already present stores nothing and returns the same identifier.
func (s *ObjectStore) Write(ctx context.Context, obj object.Object) (object.Hash, error) {
	if obj == nil {
		return "", vcserr.Invalid("storage.write", "nil object")
	}
	if err := s.validate(obj); err != nil {
		return "", vcserr.Invalid("storage.write", "%w", err)
	}

	data := obj.Serialize()
	id := s.alg.Sum(data)

	// Concurrent writers of the same content share one backend round trip.
	_, err, _ := s.inflight.Do(string(id), func() (interface{}, error) {
		return nil, s.store(ctx, id, data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// validate rejects objects whose serialized form could not be parsed back
// or that reference identifiers of another algorithm.
func (s *ObjectStore) validate(obj object.Object) error {
	switch o := obj.(type) {
	case *object.Tree:
		if err := o.Validate(); err != nil {
			return err
		}
		for _, e := range o.Entries {
			if !s.alg.Valid(e.Hash) {
				return fmt.Errorf("tree entry %q: %q is not a %s identifier", e.Name, e.Hash, s.alg)
			}
		}
	case *object.Commit:
		if !s.alg.Valid(o.TreeHash) {
			return fmt.Errorf("commit tree %q is not a %s identifier", o.TreeHash, s.alg)
		}
		for _, p := range o.Parents {
			if !s.alg.Valid(p) {
				return fmt.Errorf("commit parent %q is not a %s identifier", p, s.alg)
			}
		}
		if err := o.Author.Validate(); err != nil {
			return fmt.Errorf("author: %w", err)
		}
		if err := o.Committer.Validate(); err != nil {
			return fmt.Errorf("committer: %w", err)
		}
		if strings.ContainsAny(o.Encoding, "\n\x00") {
			return fmt.Errorf("invalid commit encoding %q", o.Encoding)
		}
	case *object.Tag:
		if !s.alg.Valid(o.ObjectHash) {
			return fmt.Errorf("tag target %q is not a %s identifier", o.ObjectHash, s.alg)
		}
		switch o.ObjectType {
		case object.TypeBlob, object.TypeTree, object.TypeCommit, object.TypeTag:
		default:
			return fmt.Errorf("invalid tag target type %q", o.ObjectType)
		}
		if o.TagName == "" || strings.ContainsAny(o.TagName, "\n\x00") {
			return fmt.Errorf("invalid tag name %q", o.TagName)
		}
		if err := o.Tagger.Validate(); err != nil {
			return fmt.Errorf("tagger: %w", err)
		}
	}
	return nil
}

func (s *ObjectStore) store(ctx context.Context, id object.Hash, data []byte) error {
	if s.cache != nil && s.cache.Contains(id) {
		s.metrics.ObjectWrites.WithLabelValues(s.repo, "deduplicated").Inc()
		return nil
	}

	exists, err := s.backend.HasObject(ctx, string(id))
	if err != nil {
		return translate("storage.write", id, err)
	}
	if exists {
		s.metrics.ObjectWrites.WithLabelValues(s.repo, "deduplicated").Inc()
		s.remember(id, data)
		return nil
	}

	payload := data
	if s.compress {
		payload = s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	if err := s.backend.PutObject(ctx, string(id), payload); err != nil {
		return translate("storage.write", id, err)
	}

	s.metrics.ObjectWrites.WithLabelValues(s.repo, "stored").Inc()
	s.metrics.ObjectBytes.WithLabelValues(s.repo).Add(float64(len(payload)))
	s.remember(id, data)
	return nil
}

func (s *ObjectStore) remember(id object.Hash, data []byte) {
	if s.cache != nil {
		s.cache.Add(id, data)
	}
}

// Read returns the object named id. A missing object is NotFound; stored
// bytes that do not hash back to id are InternalConsistency.
func (s *ObjectStore) Read(ctx context.Context, id object.Hash) (object.Object, error) {
	data, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	obj, err := object.Parse(data, s.alg.Size())
	if err != nil {
		return nil, vcserr.Corrupt("storage.read", "object %s: %w", id, err)
	}
	return obj, nil
}

func (s *ObjectStore) load(ctx context.Context, id object.Hash) ([]byte, error) {
	if !s.alg.Valid(id) {
		return nil, vcserr.Invalid("storage.read", "malformed object id %q", id)
	}

	if s.cache != nil {
		if data, ok := s.cache.Get(id); ok {
			s.metrics.ObjectReads.WithLabelValues(s.repo, "cache").Inc()
			return data, nil
		}
	}

	raw, err := s.backend.GetObject(ctx, string(id))
	if err != nil {
		return nil, translate("storage.read", id, err)
	}

	data := raw
	if bytes.HasPrefix(raw, zstdMagic) {
		data, err = s.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, vcserr.Corrupt("storage.read", "object %s: decompress: %w", id, err)
		}
	}

	if got := s.alg.Sum(data); got != id {
		s.logger.WithFields(map[string]interface{}{
			"object": string(id),
			"actual": string(got),
		}).Error("stored object does not match its identifier")
		return nil, vcserr.Corrupt("storage.read", "object %s hashes to %s", id, got)
	}

	s.metrics.ObjectReads.WithLabelValues(s.repo, "backend").Inc()
	s.remember(id, data)
	return data, nil
}

// Contains reports whether id is stored.
func (s *ObjectStore) Contains(ctx context.Context, id object.Hash) (bool, error) {
	if s.cache != nil && s.cache.Contains(id) {
		return true, nil
	}
	ok, err := s.backend.HasObject(ctx, string(id))
	if err != nil {
		return false, translate("storage.contains", id, err)
	}
	return ok, nil
}

// Len returns the number of distinct stored objects.
func (s *ObjectStore) Len(ctx context.Context) (int64, error) {
	n, err := s.backend.CountObjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage.len: %w", err)
	}
	return n, nil
}

// Expand resolves an abbreviated identifier. At least four hex digits are
// required; a prefix matching several objects is InvalidOperation.
func (s *ObjectStore) Expand(ctx context.Context, prefix string) (object.Hash, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) < 4 || len(prefix) > s.alg.Size()*2 {
		return "", vcserr.Invalid("storage.expand", "abbreviation %q has the wrong length", prefix)
	}
	if len(prefix) == s.alg.Size()*2 {
		id := object.Hash(prefix)
		ok, err := s.Contains(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", vcserr.NotFound("storage.expand", prefix)
		}
		return id, nil
	}

	matches, err := s.backend.ListObjects(ctx, prefix, 2)
	if err != nil {
		return "", fmt.Errorf("storage.expand: %w", err)
	}
	switch len(matches) {
	case 0:
		return "", vcserr.NotFound("storage.expand", prefix)
	case 1:
		return object.Hash(matches[0]), nil
	default:
		return "", vcserr.Invalid("storage.expand", "abbreviation %q is ambiguous", prefix)
	}
}

// ReadCommit reads id and requires it to be a commit.
func (s *ObjectStore) ReadCommit(ctx context.Context, id object.Hash) (*object.Commit, error) {
	obj, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	commit, ok := obj.(*object.Commit)
	if !ok {
		return nil, wrongType(id, object.TypeCommit, obj.Type())
	}
	return commit, nil
}

// ReadTree reads id and requires it to be a tree.
func (s *ObjectStore) ReadTree(ctx context.Context, id object.Hash) (*object.Tree, error) {
	obj, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, ok := obj.(*object.Tree)
	if !ok {
		return nil, wrongType(id, object.TypeTree, obj.Type())
	}
	return tree, nil
}

// ReadBlob reads id and requires it to be a blob.
func (s *ObjectStore) ReadBlob(ctx context.Context, id object.Hash) (*object.Blob, error) {
	obj, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, ok := obj.(*object.Blob)
	if !ok {
		return nil, wrongType(id, object.TypeBlob, obj.Type())
	}
	return blob, nil
}

// ReadTag reads id and requires it to be an annotated tag.
func (s *ObjectStore) ReadTag(ctx context.Context, id object.Hash) (*object.Tag, error) {
	obj, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	tag, ok := obj.(*object.Tag)
	if !ok {
		return nil, wrongType(id, object.TypeTag, obj.Type())
	}
	return tag, nil
}

func wrongType(id object.Hash, want, got object.Type) error {
	return vcserr.Invalid("storage.read", "object %s is a %s, not a %s: %w", id, got, want, ErrWrongType)
}

// translate maps backend sentinels onto error kinds.
func translate(op string, id object.Hash, err error) error {
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return vcserr.NotFoundErr(op, string(id), err)
	case errors.Is(err, datastore.ErrInvalidData):
		return vcserr.Corrupt(op, "object %s: %w", id, err)
	default:
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
}
