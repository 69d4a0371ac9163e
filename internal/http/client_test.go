package http

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"membuf/pkg/dberrors"
)

func TestClient(t *testing.T) {
	store := newFakeStore()
	ts := newTestServer(t, store)
	client := NewClient(ts.URL + "/")
	ctx := context.Background()

	if err := client.Put(ctx, "a/b c", []byte("slash and space")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, err := client.Get(ctx, "a/b c")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "slash and space" {
		t.Fatalf("Expected 'slash and space', got %q", value)
	}

	if err := client.Put(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	items, err := client.Scan(ctx, "b", "", 10)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(items) != 1 || string(items[0].Key) != "b" {
		t.Fatalf("Unexpected scan result: %+v", items)
	}

	if err := client.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := client.Get(ctx, "b"); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ActiveEntries != 1 {
		t.Fatalf("Expected 1 entry, got %+v", stats)
	}

	if _, err := client.Scan(ctx, "", "", -1); err != nil {
		t.Fatalf("Scan with default limit failed: %v", err)
	}
}

func TestClient_BinaryValues(t *testing.T) {
	store := newFakeStore()
	ts := newTestServer(t, store)
	client := NewClient(ts.URL)
	ctx := context.Background()

	value := []byte{0xff, 0x00, 0xfe, 'a', 0xc3}
	if err := client.Put(ctx, "bin", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := client.Get(ctx, "bin")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Expected %x, got %x", value, got)
	}

	items, err := client.Scan(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(items) != 1 || !bytes.Equal(items[0].Value, value) {
		t.Fatalf("Unexpected scan result: %+v", items)
	}

	if err := client.Put(ctx, "blank", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err = client.Get(ctx, "blank")
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("Expected an empty value, got %q, %v", got, err)
	}
}
