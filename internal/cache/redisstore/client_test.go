package redisstore

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestSetGetDel_HappyPath(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := rc.Get(ctx, "k1")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get = %q,%v,%v", got, ok, err)
	}
	if n, err := rc.StrLen(ctx, "k1"); err != nil || n != 2 {
		t.Fatalf("StrLen = %d,%v", n, err)
	}
	if err := rc.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, err := rc.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("after Del ok=%v err=%v", ok, err)
	}
	if exists, err := rc.Exists(ctx, "k1"); err != nil || exists {
		t.Fatalf("Exists = %v,%v", exists, err)
	}
}

func TestTTLExpiry(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()
	if err := rc.Set(ctx, "ttl-key", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(3 * time.Second)
	if _, ok, err := rc.Get(ctx, "ttl-key"); err != nil || ok {
		t.Fatalf("expired key still present ok=%v err=%v", ok, err)
	}
}

func TestDeleteMatching_Filter(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()
	for _, k := range []string{"tile:a:1", "tile:a:2", "tile:b:1"} {
		if err := rc.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	n, err := rc.DeleteMatching(ctx, "tile:a:*", func(k string) bool { return strings.HasSuffix(k, ":2") })
	if err != nil || n != 1 {
		t.Fatalf("DeleteMatching = %d,%v", n, err)
	}
	if !mr.Exists("tile:a:1") || mr.Exists("tile:a:2") || !mr.Exists("tile:b:1") {
		t.Fatalf("unexpected keys left: %v", mr.Keys())
	}
}

func TestContextCanceled(t *testing.T) {
	rc, _ := newMini(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatal("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatal("expected error on Get with canceled context")
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}
