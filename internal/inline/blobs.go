package inline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/metrics"
)

// DefaultURLPrefix is where the API serves minted blobs.
const DefaultURLPrefix = "/api/blobs/"

// Blob is downloaded attachment content behind an ephemeral handle.
type Blob struct {
	Token       string
	Owner       string
	ContentType string
	Filename    string
	Data        []byte
	CreatedAt   time.Time
}

// BlobOptions configures a BlobStore.
type BlobOptions struct {
	// MaxEntries caps live handles across all owners. Zero means 1024.
	MaxEntries int
	// TTL expires handles that were never released. Zero means 1h.
	TTL       time.Duration
	URLPrefix string
	Metrics   *metrics.Metrics
}

// BlobStore holds minted handles until their owner releases them. The
// LRU bound and TTL only catch owners that never do.
type BlobStore struct {
	cache   *expirable.LRU[string, *Blob]
	prefix  string
	metrics *metrics.Metrics

	mu     sync.Mutex
	owners map[string]map[string]string // owner -> dedupe key -> token
}

// NewBlobStore creates an empty store.
func NewBlobStore(opts BlobOptions) *BlobStore {
	size := opts.MaxEntries
	if size <= 0 {
		size = 1024
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	prefix := opts.URLPrefix
	if prefix == "" {
		prefix = DefaultURLPrefix
	}
	s := &BlobStore{
		prefix:  prefix,
		metrics: opts.Metrics,
		owners:  make(map[string]map[string]string),
	}
	s.cache = expirable.NewLRU[string, *Blob](size, func(string, *Blob) {
		s.metrics.BlobsReleased(1)
	}, ttl)
	return s
}

// Mint stores data for owner and returns the handle token. Minting the
// same key twice for one owner returns the existing token while it lives.
func (s *BlobStore) Mint(owner, key, contentType, filename string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.owners[owner]
	if keys == nil {
		keys = make(map[string]string)
		s.owners[owner] = keys
	}
	if token, ok := keys[key]; ok && s.cache.Contains(token) {
		return token
	}
	b := &Blob{
		Token:       uuid.NewString(),
		Owner:       owner,
		ContentType: contentType,
		Filename:    filename,
		Data:        data,
		CreatedAt:   time.Now(),
	}
	s.cache.Add(b.Token, b)
	keys[key] = b.Token
	s.metrics.BlobsMinted(1)
	return b.Token
}

// URL returns the path a browser dereferences for token.
func (s *BlobStore) URL(token string) string { return s.prefix + token }

// Get returns the blob behind token.
func (s *BlobStore) Get(token string) (*Blob, bool) {
	return s.cache.Get(token)
}

// Release drops every handle minted for owner and returns how many were
// still live.
func (s *BlobStore) Release(owner string) int {
	s.mu.Lock()
	keys := s.owners[owner]
	delete(s.owners, owner)
	s.mu.Unlock()

	n := 0
	for _, token := range keys {
		if s.cache.Remove(token) {
			n++
		}
	}
	return n
}

// Owned returns how many live handles owner holds.
func (s *BlobStore) Owned(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, token := range s.owners[owner] {
		if s.cache.Contains(token) {
			n++
		}
	}
	return n
}

// Len returns the number of live handles.
func (s *BlobStore) Len() int { return s.cache.Len() }
