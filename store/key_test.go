package store

import (
	"errors"
	"testing"
)

func TestKeyEncodeParse(t *testing.T) {
	root := NameKey("Folder", "a/b:c", nil)
	child := NewKey("File", 42, &root)
	grand := NameKey("Chunk", "0", &child)

	for _, k := range []Key{root, child, grand} {
		got, err := ParseKey(k.Encode())
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", k.Encode(), err)
		}
		if got != k {
			t.Fatalf("round trip: got %+v want %+v", got, k)
		}
	}

	p, ok, err := grand.ParentKey()
	if err != nil || !ok || p != child {
		t.Fatalf("ParentKey: %+v ok=%v err=%v", p, ok, err)
	}
}

func TestKeyIncomplete(t *testing.T) {
	if !IncompleteKey("Doc", nil).Incomplete() {
		t.Fatalf("expected incomplete")
	}
	if NewKey("Doc", 1, nil).Incomplete() || NameKey("Doc", "x", nil).Incomplete() {
		t.Fatalf("expected complete")
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "Doc", "Doc:x1", "Doc:iabc", "Doc:s", ":i1", "bad/Doc:i1"} {
		if _, err := ParseKey(s); !errors.Is(err, ErrBadKey) {
			t.Fatalf("ParseKey(%q): got %v", s, err)
		}
	}
}

func TestKeyCheck(t *testing.T) {
	root := NameKey("Folder", "a/b:c", nil)
	for _, k := range []Key{root, NewKey("File", 42, &root), IncompleteKey("File", &root)} {
		if err := k.Check(); err != nil {
			t.Fatalf("Check(%+v): %v", k, err)
		}
	}
	for _, k := range []Key{
		{Kind: "", ID: 7},
		{Kind: "Doc", ID: 1, Parent: "not a key"},
		{Kind: "Doc", ID: 1, Name: "both"}, // ID is lost on encode
		IncompleteKey("", nil),
	} {
		if err := k.Check(); !errors.Is(err, ErrBadKey) {
			t.Fatalf("Check(%+v): got %v", k, err)
		}
	}
}
