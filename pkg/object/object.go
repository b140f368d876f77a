// Package object defines the immutable, content-addressed objects stored by
// a repository: blobs, trees, commits and annotated tags. An object's
// identifier is the digest of its canonical serialization, so equal content
// always yields the same Hash.
package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Type string

const (
	TypeBlob   Type = "blob"
	TypeTree   Type = "tree"
	TypeCommit Type = "commit"
	TypeTag    Type = "tag"
)

// Object is implemented by every storable value. Serialize must be
// deterministic: it is what the identifier is computed over.
type Object interface {
	Type() Type
	Size() int64
	Serialize() []byte
}

type Blob struct {
	Content []byte
}

func NewBlob(content []byte) *Blob {
	return &Blob{Content: content}
}

func (b *Blob) Type() Type {
	return TypeBlob
}

func (b *Blob) Size() int64 {
	return int64(len(b.Content))
}

func (b *Blob) Serialize() []byte {
	return envelope(TypeBlob, b.Content)
}

// File modes recognised in tree entries.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeTree       = "040000"
)

type TreeEntry struct {
	Mode string
	Name string
	Hash Hash
}

// IsTree reports whether the entry points at a subtree.
func (e TreeEntry) IsTree() bool {
	return e.Mode == ModeTree
}

// sortKey orders subtrees as if their names ended in "/", like Git does.
func (e TreeEntry) sortKey() string {
	if e.IsTree() {
		return e.Name + "/"
	}
	return e.Name
}

// Tree is a directory snapshot. Entries are kept sorted on serialization so
// that insertion order never changes the identifier.
type Tree struct {
	Entries []TreeEntry
}

func NewTree() *Tree {
	return &Tree{
		Entries: make([]TreeEntry, 0),
	}
}

func (t *Tree) AddEntry(mode, name string, hash Hash) {
	t.Entries = append(t.Entries, TreeEntry{
		Mode: mode,
		Name: name,
		Hash: hash,
	})
}

// Entry returns the entry called name.
func (t *Tree) Entry(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Validate checks entry names, modes and hashes and rejects duplicates.
func (t *Tree) Validate() error {
	seen := make(map[string]struct{}, len(t.Entries))
	for _, e := range t.Entries {
		if e.Name == "" || e.Name == "." || e.Name == ".." || strings.ContainsAny(e.Name, "/\x00") {
			return fmt.Errorf("invalid tree entry name: %q", e.Name)
		}
		switch e.Mode {
		case ModeFile, ModeExecutable, ModeSymlink, ModeTree:
		default:
			return fmt.Errorf("invalid mode %q for tree entry %q", e.Mode, e.Name)
		}
		if _, err := hex.DecodeString(string(e.Hash)); err != nil || e.Hash == "" {
			return fmt.Errorf("invalid hash %q for tree entry %q", e.Hash, e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate tree entry: %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

func (t *Tree) Type() Type {
	return TypeTree
}

func (t *Tree) Size() int64 {
	return int64(len(t.serializeContent()))
}

func (t *Tree) sorted() []TreeEntry {
	entries := make([]TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].sortKey() < entries[j].sortKey()
	})
	return entries
}

func (t *Tree) serializeContent() []byte {
	var buf bytes.Buffer
	for _, entry := range t.sorted() {
		fmt.Fprintf(&buf, "%s %s\x00", entry.Mode, entry.Name)
		raw, _ := hex.DecodeString(string(entry.Hash))
		buf.Write(raw)
	}
	return buf.Bytes()
}

func (t *Tree) Serialize() []byte {
	return envelope(TypeTree, t.serializeContent())
}

// DefaultEncoding is the message encoding assumed when none is recorded.
const DefaultEncoding = "UTF-8"

// Commit links a tree snapshot to its history. Zero parents marks a root
// commit, one a normal commit, two or more a merge.
type Commit struct {
	TreeHash  Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Encoding  string
	Message   string
}

func NewCommit(treeHash Hash, author Signature, message string) *Commit {
	return &Commit{
		TreeHash:  treeHash,
		Author:    author,
		Committer: author,
		Encoding:  DefaultEncoding,
		Message:   message,
	}
}

func (c *Commit) AddParent(parentHash Hash) {
	c.Parents = append(c.Parents, parentHash)
}

// IsRoot reports whether the commit starts a history.
func (c *Commit) IsRoot() bool {
	return len(c.Parents) == 0
}

// Summary returns the first line of the message.
func (c *Commit) Summary() string {
	if i := strings.IndexByte(c.Message, '\n'); i >= 0 {
		return c.Message[:i]
	}
	return c.Message
}

func (c *Commit) Type() Type {
	return TypeCommit
}

func (c *Commit) Size() int64 {
	return int64(len(c.serializeContent()))
}

func (c *Commit) serializeContent() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.TreeHash)
	for _, parent := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author.String())
	fmt.Fprintf(&buf, "committer %s\n", c.Committer.String())
	if c.Encoding != "" && !strings.EqualFold(c.Encoding, DefaultEncoding) {
		fmt.Fprintf(&buf, "encoding %s\n", c.Encoding)
	}
	fmt.Fprintf(&buf, "\n%s", c.Message)
	return buf.Bytes()
}

func (c *Commit) Serialize() []byte {
	return envelope(TypeCommit, c.serializeContent())
}

type Tag struct {
	ObjectHash Hash
	ObjectType Type
	TagName    string
	Tagger     Signature
	Message    string
}

func NewTag(objectHash Hash, objectType Type, tagName string, tagger Signature, message string) *Tag {
	return &Tag{
		ObjectHash: objectHash,
		ObjectType: objectType,
		TagName:    tagName,
		Tagger:     tagger,
		Message:    message,
	}
}

func (t *Tag) Type() Type {
	return TypeTag
}

func (t *Tag) Size() int64 {
	return int64(len(t.serializeContent()))
}

func (t *Tag) serializeContent() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.ObjectHash)
	fmt.Fprintf(&buf, "type %s\n", t.ObjectType)
	fmt.Fprintf(&buf, "tag %s\n", t.TagName)
	fmt.Fprintf(&buf, "tagger %s\n", t.Tagger.String())
	fmt.Fprintf(&buf, "\n%s", t.Message)
	return buf.Bytes()
}

func (t *Tag) Serialize() []byte {
	return envelope(TypeTag, t.serializeContent())
}

func envelope(t Type, content []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", t, len(content))
	out := make([]byte, 0, len(header)+len(content))
	out = append(out, header...)
	return append(out, content...)
}

// Parse decodes canonical object bytes. hashSize is the raw digest length
// used inside tree entries (Algorithm.Size).
func Parse(data []byte, hashSize int) (Object, error) {
	nullIndex := bytes.IndexByte(data, 0)
	if nullIndex == -1 {
		return nil, fmt.Errorf("invalid object format: no null byte")
	}

	header := string(data[:nullIndex])
	parts := strings.Split(header, " ")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid header format: %s", header)
	}

	objType := Type(parts[0])
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size: %v", err)
	}

	content := data[nullIndex+1:]
	if int64(len(content)) != size {
		return nil, fmt.Errorf("content size mismatch: expected %d, got %d", size, len(content))
	}

	switch objType {
	case TypeBlob:
		return &Blob{Content: append([]byte(nil), content...)}, nil
	case TypeTree:
		return parseTree(content, hashSize)
	case TypeCommit:
		return parseCommit(content)
	case TypeTag:
		return parseTag(content)
	default:
		return nil, fmt.Errorf("unknown object type: %s", objType)
	}
}

func parseTree(content []byte, hashSize int) (*Tree, error) {
	tree := NewTree()
	buf := bytes.NewBuffer(content)

	for buf.Len() > 0 {
		modeAndName, err := buf.ReadBytes(0)
		if err != nil {
			return nil, fmt.Errorf("error reading tree entry: %v", err)
		}
		modeAndName = modeAndName[:len(modeAndName)-1]

		parts := strings.SplitN(string(modeAndName), " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid tree entry format")
		}

		raw := buf.Next(hashSize)
		if len(raw) != hashSize {
			return nil, fmt.Errorf("truncated hash in tree entry %q", parts[1])
		}

		tree.AddEntry(parts[0], parts[1], Hash(hex.EncodeToString(raw)))
	}

	return tree, nil
}

// splitHeaders separates "key value" header lines from the message that
// follows the first blank line.
func splitHeaders(content []byte) ([]string, string) {
	text := string(content)
	head, msg, found := strings.Cut(text, "\n\n")
	if !found {
		head = strings.TrimSuffix(text, "\n")
		msg = ""
	}
	if head == "" {
		return nil, msg
	}
	return strings.Split(head, "\n"), msg
}

func parseCommit(content []byte) (*Commit, error) {
	lines, message := splitHeaders(content)
	commit := &Commit{Encoding: DefaultEncoding, Message: message}

	for _, line := range lines {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("invalid commit header: %q", line)
		}

		switch key {
		case "tree":
			commit.TreeHash = Hash(value)
		case "parent":
			commit.Parents = append(commit.Parents, Hash(value))
		case "author":
			author, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("error parsing author: %v", err)
			}
			commit.Author = author
		case "committer":
			committer, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("error parsing committer: %v", err)
			}
			commit.Committer = committer
		case "encoding":
			commit.Encoding = value
		}
	}

	if commit.TreeHash == "" {
		return nil, fmt.Errorf("commit has no tree")
	}

	return commit, nil
}

func parseTag(content []byte) (*Tag, error) {
	lines, message := splitHeaders(content)
	tag := &Tag{Message: message}

	for _, line := range lines {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("invalid tag header: %q", line)
		}

		switch key {
		case "object":
			tag.ObjectHash = Hash(value)
		case "type":
			tag.ObjectType = Type(value)
		case "tag":
			tag.TagName = value
		case "tagger":
			tagger, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("error parsing tagger: %v", err)
			}
			tag.Tagger = tagger
		}
	}

	return tag, nil
}
