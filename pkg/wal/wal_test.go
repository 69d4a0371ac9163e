package wal

import (
	"errors"
	"os"
	"testing"

	"membuf/pkg/types"
)

func collect(t *testing.T, path string) []Entry {
	t.Helper()

	var got []Entry
	if err := Replay(path, func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return got
}

func TestWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, 1, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if w.Generation() != 1 || w.Path() != SegmentPath(dir, 1) {
		t.Fatalf("Unexpected segment %d at %s", w.Generation(), w.Path())
	}

	entries := []Entry{
		{Timestamp: types.TS(1), Key: []byte("a"), Value: []byte("1")},
		{Timestamp: types.Timestamp{Hi: 7, Lo: 2}, Key: []byte("b"), Value: []byte{}},
		{Timestamp: types.TS(3), Key: []byte("a"), Tombstone: true},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := collect(t, w.Path())
	if len(got) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(got))
	}
	for i, e := range entries {
		g := got[i]
		if string(g.Key) != string(e.Key) || string(g.Value) != string(e.Value) ||
			g.Timestamp != e.Timestamp || g.Tombstone != e.Tombstone {
			t.Fatalf("entry %d: expected %+v, got %+v", i, e, g)
		}
	}
	if got[2].Value != nil {
		t.Fatal("Expected tombstone to replay with a nil value")
	}
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, err := Open(t.TempDir(), 1, false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err = w.Append(Entry{Key: []byte("k")})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestWAL_TornTail(t *testing.T) {
	tests := []struct {
		name string
		tail []byte
	}{
		{name: "short header", tail: []byte{1, 2, 3}},
		{name: "short payload", tail: []byte{0, 0, 0, 0, 100, 0, 0, 0, 1, 2}},
		{name: "bad checksum", tail: append([]byte{1, 2, 3, 4, 25, 0, 0, 0}, make([]byte, 25)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			w, err := Open(dir, 3, false)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if err := w.Append(Entry{Timestamp: types.TS(1), Key: []byte("ok"), Value: []byte("v")}); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0600)
			if err != nil {
				t.Fatalf("open for corruption failed: %v", err)
			}
			if _, err := f.Write(tt.tail); err != nil {
				t.Fatalf("write tail failed: %v", err)
			}
			f.Close()

			got := collect(t, w.Path())
			if len(got) != 1 || string(got[0].Key) != "ok" {
				t.Fatalf("Expected only the intact entry, got %+v", got)
			}
		})
	}
}

func TestWAL_Segments(t *testing.T) {
	dir := t.TempDir()
	for _, gen := range []uint64{12, 3, 7} {
		w, err := Open(dir, gen, false)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		w.Close()
	}
	if err := os.WriteFile(dir+"/wal-garbage.log", nil, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	gens, err := Segments(dir)
	if err != nil {
		t.Fatalf("Segments failed: %v", err)
	}
	if len(gens) != 3 || gens[0] != 3 || gens[1] != 7 || gens[2] != 12 {
		t.Fatalf("Expected [3 7 12], got %v", gens)
	}

	if err := Remove(SegmentPath(dir, 7)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := Remove(SegmentPath(dir, 7)); err != nil {
		t.Fatalf("Remove of a missing segment should succeed, got %v", err)
	}
	gens, _ = Segments(dir)
	if len(gens) != 2 {
		t.Fatalf("Expected 2 segments after remove, got %v", gens)
	}
}
