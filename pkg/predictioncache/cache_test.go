package predictioncache

import (
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		ttl               time.Duration
		namespace         string
		expectedTTL       time.Duration
		expectedNamespace string
	}{
		{
			name:              "default values when zero/empty",
			ttl:               0,
			namespace:         "",
			expectedTTL:       5 * time.Minute,
			expectedNamespace: "predictions",
		},
		{
			name:              "negative ttl uses default",
			ttl:               -1 * time.Minute,
			namespace:         "",
			expectedTTL:       5 * time.Minute,
			expectedNamespace: "predictions",
		},
		{
			name:              "custom values preserved",
			ttl:               10 * time.Minute,
			namespace:         "custom",
			expectedTTL:       10 * time.Minute,
			expectedNamespace: "custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache := New(nil, tt.ttl, tt.namespace)
			if cache.ttl != tt.expectedTTL {
				t.Errorf("expected TTL %v, got %v", tt.expectedTTL, cache.ttl)
			}
			if cache.namespace != tt.expectedNamespace {
				t.Errorf("expected namespace %q, got %q", tt.expectedNamespace, cache.namespace)
			}
		})
	}
}

func TestGetNilClient(t *testing.T) {
	t.Parallel()

	cache := New(nil, time.Minute, "")
	if got := cache.Get(t.Context(), "sha256:abc", []byte(`{"image":"x"}`)); got != nil {
		t.Errorf("expected nil from disabled cache, got %q", got)
	}

	var nilCache *Cache
	if got := nilCache.Get(t.Context(), "sha256:abc", nil); got != nil {
		t.Errorf("expected nil from nil cache, got %q", got)
	}
}

func TestGetHit(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	cache := New(rdb, time.Minute, "")
	body := []byte(`{"image":"x","top_k":3}`)
	response := `{"predictions":[{"label":"tabby cat","probability":0.9}]}`

	mock.ExpectGet(cache.key("sha256:abc", body)).SetVal(response)

	got := cache.Get(t.Context(), "sha256:abc", body)
	if string(got) != response {
		t.Errorf("expected cached response, got %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled mock expectations: %v", err)
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	cache := New(rdb, time.Minute, "")
	body := []byte(`{"image":"x"}`)

	mock.ExpectGet(cache.key("sha256:abc", body)).RedisNil()

	if got := cache.Get(t.Context(), "sha256:abc", body); got != nil {
		t.Errorf("expected nil on miss, got %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled mock expectations: %v", err)
	}
}

func TestGetCorruptedEntry(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	cache := New(rdb, time.Minute, "")
	body := []byte(`{"image":"x"}`)
	key := cache.key("sha256:abc", body)

	mock.ExpectGet(key).SetVal("not json")
	mock.ExpectDel(key).SetVal(1)

	if got := cache.Get(t.Context(), "sha256:abc", body); got != nil {
		t.Errorf("expected nil for corrupted entry, got %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled mock expectations: %v", err)
	}
}

func TestPut(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	cache := New(rdb, time.Minute, "")
	body := []byte(`{"image":"x"}`)
	response := []byte(`{"predictions":[]}`)

	mock.ExpectSet(cache.key("sha256:abc", body), response, time.Minute).SetVal("OK")

	cache.Put(t.Context(), "sha256:abc", body, response)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled mock expectations: %v", err)
	}
}

func TestKeyEscapesModelID(t *testing.T) {
	t.Parallel()

	cache := New(nil, time.Minute, "")
	key := cache.key("sha256:abc def", []byte("{}"))
	if want := "predictions:sha256_abc_def:"; !strings.HasPrefix(key, want) {
		t.Errorf("expected key prefix %q, got %q", want, key)
	}
}
