package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "https://shl.example.org")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestLocalStore_PutGet(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "abc/content.jwe", []byte("ciphertext")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Get(ctx, "abc/content.jwe")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "ciphertext" {
		t.Errorf("expected ciphertext, got %q", data)
	}

	if err := s.Put(ctx, "abc/content.jwe", []byte("replaced")); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	data, _ = s.Get(ctx, "abc/content.jwe")
	if string(data) != "replaced" {
		t.Errorf("expected replaced, got %q", data)
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	s := newLocalStore(t)
	_, err := s.Get(context.Background(), "missing/content.jwe")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_DeletePrefix(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"abc/content.jwe", "abc/manifest.json", "abc/metadata.json", "xyz/content.jwe"} {
		if err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	if err := s.DeletePrefix(ctx, "abc/"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, err := s.Get(ctx, "abc/manifest.json"); !errors.Is(err, ErrNotFound) {
		t.Error("expected abc/manifest.json to be gone")
	}
	if _, err := s.Get(ctx, "xyz/content.jwe"); err != nil {
		t.Errorf("expected xyz/content.jwe to survive, got %v", err)
	}
	if err := s.DeletePrefix(ctx, "abc/"); err != nil {
		t.Fatalf("second DeletePrefix: %v", err)
	}
}

func TestLocalStore_UpdateMetadata(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	seedMetadata(t, s, "abc", 3)

	decision, err := s.UpdateMetadata(ctx, "abc", func(current []byte) Decision {
		var md map[string]int
		if err := json.Unmarshal(current, &md); err != nil {
			t.Fatalf("updater got bad bytes: %v", err)
		}
		md["accessCount"]++
		out, _ := json.Marshal(md)
		return Decision{Commit: out}
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if decision.Commit == nil {
		t.Fatal("expected a commit")
	}

	raw, _ := s.Get(ctx, MetadataKey("abc"))
	var md map[string]int
	json.Unmarshal(raw, &md)
	if md["accessCount"] != 4 {
		t.Errorf("expected accessCount=4, got %d", md["accessCount"])
	}
}

func TestLocalStore_UpdateMetadata_Missing(t *testing.T) {
	s := newLocalStore(t)
	_, err := s.UpdateMetadata(context.Background(), "missing", func([]byte) Decision {
		t.Fatal("updater must not run for missing metadata")
		return Decision{}
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_UpdateMetadata_Concurrent(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	seedMetadata(t, s, "abc", 0)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.UpdateMetadata(ctx, "abc", func(current []byte) Decision {
				var md map[string]int
				json.Unmarshal(current, &md)
				md["accessCount"]++
				out, _ := json.Marshal(md)
				return Decision{Commit: out}
			})
			if err != nil {
				t.Errorf("UpdateMetadata: %v", err)
			}
		}()
	}
	wg.Wait()

	raw, _ := s.Get(ctx, MetadataKey("abc"))
	var md map[string]int
	json.Unmarshal(raw, &md)
	if md["accessCount"] != n {
		t.Errorf("expected accessCount=%d, got %d", n, md["accessCount"])
	}
}

func TestLocalStore_UpdateMetadata_ManyIDs(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	// More distinct ids than lock stripes, so colliding ids share a stripe
	// and must still commit exactly once each.
	const ids = 3 * lockStripes
	for i := 0; i < ids; i++ {
		seedMetadata(t, s, fmt.Sprintf("shl-%03d", i), 0)
	}

	var wg sync.WaitGroup
	wg.Add(ids)
	for i := 0; i < ids; i++ {
		go func(id string) {
			defer wg.Done()
			_, err := s.UpdateMetadata(ctx, id, func(current []byte) Decision {
				var md map[string]int
				json.Unmarshal(current, &md)
				md["accessCount"]++
				out, _ := json.Marshal(md)
				return Decision{Commit: out}
			})
			if err != nil {
				t.Errorf("UpdateMetadata %s: %v", id, err)
			}
		}(fmt.Sprintf("shl-%03d", i))
	}
	wg.Wait()

	for i := 0; i < ids; i++ {
		raw, _ := s.Get(ctx, MetadataKey(fmt.Sprintf("shl-%03d", i)))
		var md map[string]int
		json.Unmarshal(raw, &md)
		if md["accessCount"] != 1 {
			t.Errorf("id %d: expected accessCount=1, got %d", i, md["accessCount"])
		}
	}
}

func TestLocalStore_WriteIsAtomic(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "abc/metadata.json", []byte(`{"accessCount":0}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// No temp files linger after a committed write.
	entries, err := os.ReadDir(filepath.Join(s.dir, "abc"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "metadata.json" {
			t.Errorf("unexpected leftover file %q", entry.Name())
		}
	}
}
