package store

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var ErrBadKey = errors.New("store: malformed key")

// Key identifies a record. Parent holds the encoded parent key ("" for a root
// key) so Key stays comparable and usable as a map key.
//
// A key with neither ID nor Name is incomplete: the store has not allocated
// an identifier for it yet.
type Key struct {
	Kind   string
	ID     int64
	Name   string
	Parent string
}

func NewKey(kind string, id int64, parent *Key) Key {
	return Key{Kind: kind, ID: id, Parent: parentOf(parent)}
}

func NameKey(kind, name string, parent *Key) Key {
	return Key{Kind: kind, Name: name, Parent: parentOf(parent)}
}

// IncompleteKey returns a key awaiting ID allocation.
func IncompleteKey(kind string, parent *Key) Key {
	return Key{Kind: kind, Parent: parentOf(parent)}
}

func parentOf(p *Key) string {
	if p == nil {
		return ""
	}
	return p.Encode()
}

func (k Key) Incomplete() bool { return k.ID == 0 && k.Name == "" }

// Encode renders k as "kind:iID" or "kind:sNAME" segments joined by "/",
// ancestors first. Kind and name are query-escaped.
func (k Key) Encode() string {
	var seg string
	switch {
	case k.Name != "":
		seg = url.QueryEscape(k.Kind) + ":s" + url.QueryEscape(k.Name)
	default:
		seg = url.QueryEscape(k.Kind) + ":i" + strconv.FormatInt(k.ID, 10)
	}
	if k.Parent == "" {
		return seg
	}
	return k.Parent + "/" + seg
}

func (k Key) String() string { return k.Encode() }

// Check returns ErrBadKey when k does not survive Encode and ParseKey
// unchanged. An incomplete key is checked as if it already had an ID.
func (k Key) Check() error {
	kk := k
	if kk.Incomplete() {
		kk.ID = 1
	}
	got, err := ParseKey(kk.Encode())
	if err != nil {
		return err
	}
	if got != kk {
		return fmt.Errorf("%w: %q does not round-trip", ErrBadKey, kk.Encode())
	}
	return nil
}

// ParentKey decodes the parent, if any.
func (k Key) ParentKey() (Key, bool, error) {
	if k.Parent == "" {
		return Key{}, false, nil
	}
	p, err := ParseKey(k.Parent)
	return p, err == nil, err
}

// ParseKey is the inverse of Encode.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, ErrBadKey
	}
	parent := ""
	last := s
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		parent, last = s[:i], s[i+1:]
		if _, err := ParseKey(parent); err != nil {
			return Key{}, err
		}
	}
	kindEsc, rest, ok := strings.Cut(last, ":")
	if !ok || kindEsc == "" || rest == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	kind, err := url.QueryUnescape(kindEsc)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	k := Key{Kind: kind, Parent: parent}
	switch rest[0] {
	case 'i':
		id, err := strconv.ParseInt(rest[1:], 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
		}
		k.ID = id
	case 's':
		name, err := url.QueryUnescape(rest[1:])
		if err != nil || name == "" {
			return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
		}
		k.Name = name
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, s)
	}
	return k, nil
}
