package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewObjectStore_RequiresBucket(t *testing.T) {
	_, err := NewObjectStore(ObjectStoreConfig{
		Endpoint: "s3.example.com",
		Logger:   zerolog.Nop(),
	})
	if err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Fatalf("expected a bucket error, got %v", err)
	}
}

func TestObjectKey_Prefixing(t *testing.T) {
	store, err := NewObjectStore(ObjectStoreConfig{
		Endpoint: "s3.example.com",
		Bucket:   "shl-blobs",
		Prefix:   "links/",
		BaseURL:  "https://shl.example.org/",
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewObjectStore: %v", err)
	}

	if got := store.objectKey("abc/content.jwe"); got != "links/abc/content.jwe" {
		t.Errorf("objectKey = %q", got)
	}
	if got := store.BaseURL(); got != "https://shl.example.org" {
		t.Errorf("BaseURL = %q, want trailing slash stripped", got)
	}
}

func TestContentTypeForKey(t *testing.T) {
	cases := map[string]string{
		"abc/content.jwe":   "application/jose",
		"abc/manifest.json": "application/json",
		"abc/blob":          "application/octet-stream",
	}
	for key, want := range cases {
		if got := contentTypeForKey(key); got != want {
			t.Errorf("contentTypeForKey(%q) = %q, want %q", key, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Conditional-write behavior against a fake S3 endpoint
// ---------------------------------------------------------------------------

// fakeS3 speaks just enough of the S3 wire protocol for the metadata CAS
// loop: GET returns the object with a versioned ETag, conditional PUT
// compares If-Match and answers 412 on mismatch. rejectPuts forces the next
// n conditional PUTs to lose regardless of ETag, with onReject simulating
// the racing writer that won.
type fakeS3 struct {
	mu         sync.Mutex
	data       map[string][]byte
	etags      map[string]string
	version    int
	rejectPuts int
	onReject   func(f *fakeS3)
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		data:  make(map[string][]byte),
		etags: make(map[string]string),
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return f, server
}

// storeLocked writes an object under a fresh ETag. Callers hold f.mu.
func (f *fakeS3) storeLocked(key string, data []byte) {
	f.version++
	f.data[key] = append([]byte(nil), data...)
	f.etags[key] = fmt.Sprintf("etag-v%d", f.version)
}

func (f *fakeS3) seed(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(key, data)
}

func (f *fakeS3) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data[key]...)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/shl-blobs/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		body, ok := f.data[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		w.Header().Set("ETag", `"`+f.etags[key]+`"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodGet {
			w.Write(body)
		}

	case http.MethodPut:
		payload, _ := io.ReadAll(r.Body)
		if match := strings.Trim(r.Header.Get("If-Match"), `"`); match != "" {
			if f.rejectPuts > 0 {
				f.rejectPuts--
				if f.onReject != nil {
					f.onReject(f)
				}
				writeS3Error(w, http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold.")
				return
			}
			if match != f.etags[key] {
				writeS3Error(w, http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold.")
				return
			}
		}
		f.storeLocked(key, payload)
		w.Header().Set("ETag", `"`+f.etags[key]+`"`)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, message)
}

func newFakeObjectStore(t *testing.T, server *httptest.Server) *ObjectStore {
	t.Helper()
	store, err := NewObjectStore(ObjectStoreConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Region:    "us-east-1",
		Bucket:    "shl-blobs",
		AccessKey: "test-access",
		SecretKey: "test-secret",
		BaseURL:   "https://shl.example.org",
		UseSSL:    false,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewObjectStore: %v", err)
	}
	return store
}

func countingUpdater(t *testing.T, inputs *[]string) MetadataUpdater {
	t.Helper()
	return func(current []byte) Decision {
		*inputs = append(*inputs, string(current))
		var md map[string]int
		if err := json.Unmarshal(current, &md); err != nil {
			t.Fatalf("updater got bad bytes: %v", err)
		}
		md["accessCount"]++
		out, _ := json.Marshal(md)
		return Decision{Commit: out}
	}
}

func TestObjectStore_UpdateMetadata_RetriesWithFreshState(t *testing.T) {
	fake, server := newFakeS3(t)
	fake.seed(MetadataKey("abc"), []byte(`{"accessCount":0}`))

	// The first conditional PUT loses to a racing writer that commits
	// accessCount=7; the retry must observe that state, not the stale read.
	fake.rejectPuts = 1
	fake.onReject = func(f *fakeS3) {
		f.storeLocked(MetadataKey("abc"), []byte(`{"accessCount":7}`))
	}

	store := newFakeObjectStore(t, server)

	var inputs []string
	decision, err := store.UpdateMetadata(context.Background(), "abc", countingUpdater(t, &inputs))
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if decision.Commit == nil {
		t.Fatal("expected a commit")
	}

	if len(inputs) != 2 {
		t.Fatalf("expected the updater to run twice, ran %d times: %v", len(inputs), inputs)
	}
	if inputs[1] != `{"accessCount":7}` {
		t.Errorf("retry saw stale state %s", inputs[1])
	}

	var md map[string]int
	if err := json.Unmarshal(fake.object(MetadataKey("abc")), &md); err != nil {
		t.Fatalf("stored metadata is not JSON: %v", err)
	}
	if md["accessCount"] != 8 {
		t.Errorf("expected accessCount=8 after the retry, got %d", md["accessCount"])
	}
}

func TestObjectStore_UpdateMetadata_ContentionExhaustsRetries(t *testing.T) {
	fake, server := newFakeS3(t)
	fake.seed(MetadataKey("abc"), []byte(`{"accessCount":0}`))
	fake.rejectPuts = casRetries

	store := newFakeObjectStore(t, server)

	var inputs []string
	_, err := store.UpdateMetadata(context.Background(), "abc", countingUpdater(t, &inputs))
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if len(inputs) != casRetries {
		t.Errorf("expected %d updater runs, got %d", casRetries, len(inputs))
	}

	var md map[string]int
	json.Unmarshal(fake.object(MetadataKey("abc")), &md)
	if md["accessCount"] != 0 {
		t.Errorf("no attempt should have committed, got accessCount=%d", md["accessCount"])
	}
}

func TestObjectStore_UpdateMetadata_Missing(t *testing.T) {
	_, server := newFakeS3(t)
	store := newFakeObjectStore(t, server)

	_, err := store.UpdateMetadata(context.Background(), "missing", func([]byte) Decision {
		t.Fatal("updater must not run for missing metadata")
		return Decision{}
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
