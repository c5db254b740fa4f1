package probe

import (
	"context"
	"strconv"
	"testing"
	"time"
)

type fakeBackend struct {
	data map[string]Metadata
	gets int
	sets int
}

func (f *fakeBackend) Get(_ context.Context, key string) (Metadata, bool, error) {
	f.gets++
	meta, ok := f.data[key]
	return meta, ok, nil
}

func (f *fakeBackend) Set(_ context.Context, key string, meta Metadata, _ time.Duration) error {
	f.sets++
	f.data[key] = meta
	return nil
}

func TestCacheKeyIncludesFingerprint(t *testing.T) {
	a := CacheKey("/m/x.mkv", "10:20")
	b := CacheKey("/m/x.mkv", "11:20")
	if a == b {
		t.Fatal("different fingerprints must not collide")
	}
}

func TestCacheStoreAndLookup(t *testing.T) {
	c := NewCache(nil, nil)
	now := time.Now()
	key := CacheKey("/m/x.mkv", "10:20")

	if _, ok := c.Lookup(context.Background(), key, now); ok {
		t.Fatal("lookup hit on empty cache")
	}
	c.Store(context.Background(), key, Metadata{Height: 1080}, now)
	meta, ok := c.Lookup(context.Background(), key, now.Add(time.Hour))
	if !ok || meta.Height != 1080 {
		t.Fatalf("lookup = %+v %v", meta, ok)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(nil, nil)
	now := time.Now()
	key := CacheKey("/m/x.mkv", "10:20")

	c.Store(context.Background(), key, Metadata{Height: 720}, now)
	if _, ok := c.Lookup(context.Background(), key, now.Add(25*time.Hour)); ok {
		t.Fatal("expired entry served")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry retained: %d", c.Len())
	}
}

func TestCacheTrimsOldestBeyondCap(t *testing.T) {
	c := NewCache(nil, nil)
	c.maxEntries = 3
	base := time.Now()

	for i := 0; i < 5; i++ {
		key := CacheKey("/m/"+strconv.Itoa(i)+".mkv", "1:1")
		c.Store(context.Background(), key, Metadata{Width: i}, base.Add(time.Duration(i)*time.Second))
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	// The two oldest are gone, the newest three remain.
	if _, ok := c.Lookup(context.Background(), CacheKey("/m/0.mkv", "1:1"), base.Add(time.Minute)); ok {
		t.Fatal("oldest entry survived trim")
	}
	if _, ok := c.Lookup(context.Background(), CacheKey("/m/4.mkv", "1:1"), base.Add(time.Minute)); !ok {
		t.Fatal("newest entry trimmed")
	}
}

func TestCacheBackendHitPopulatesMemory(t *testing.T) {
	backend := &fakeBackend{data: map[string]Metadata{}}
	c := NewCache(backend, nil)
	now := time.Now()
	key := CacheKey("/m/x.mkv", "10:20")
	backend.data[key] = Metadata{Height: 2160}

	meta, ok := c.Lookup(context.Background(), key, now)
	if !ok || meta.Height != 2160 {
		t.Fatalf("lookup = %+v %v", meta, ok)
	}
	if c.Len() != 1 {
		t.Fatal("backend hit not copied to memory")
	}
}

func TestCacheStoreWritesThroughBackend(t *testing.T) {
	backend := &fakeBackend{data: map[string]Metadata{}}
	c := NewCache(backend, nil)
	key := CacheKey("/m/x.mkv", "10:20")

	c.Store(context.Background(), key, Metadata{Height: 480}, time.Now())
	if backend.sets != 1 {
		t.Fatalf("backend sets = %d", backend.sets)
	}
	if got := backend.data[key]; got.Height != 480 {
		t.Fatalf("backend value = %+v", got)
	}
}
