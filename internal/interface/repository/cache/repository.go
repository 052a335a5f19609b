package cache

import (
	"crypto/tls"
	"sync"
	"time"

	"mitmproxy/internal/domain"
)

// Repository はリーフ証明書キャッシュのリポジトリ実装.
// 読み取りは共有ロックのみで行い、書き込みのみ排他ロックを取る.
type Repository struct {
	mu         sync.RWMutex
	maxEntries int
	entries    map[string]*Entry
	now        func() time.Time
}

// Verify interface implementation
var _ domain.CertificateCache = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成. maxEntries が0以下なら無制限.
func New(maxEntries int) *Repository {
	return &Repository{
		maxEntries: maxEntries,
		entries:    make(map[string]*Entry),
		now:        time.Now,
	}
}

// WithClock は時刻の取得元を差し替える.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Get はキャッシュから期限内のエントリを取得
func (r *Repository) Get(host string) (*domain.CacheEntry, bool) {
	r.mu.RLock()
	entry, exists := r.entries[host]
	r.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if entry.IsExpired(r.now()) {
		// 他のゴルーチンが差し替えた新しいエントリは消さない
		r.mu.Lock()
		if cur, ok := r.entries[host]; ok && cur == entry {
			delete(r.entries, host)
		}
		r.mu.Unlock()
		return nil, false
	}

	cert, ok := entry.Value.(*tls.Certificate)
	if !ok {
		return nil, false
	}

	return &domain.CacheEntry{
		Host:        host,
		Certificate: cert,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
	}, true
}

// Set はキャッシュにエントリを保存. 完成したエントリのみを差し込む.
func (r *Repository) Set(host string, entry *domain.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[host]; !exists {
		for r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
			r.evictOldest()
		}
	}

	r.entries[host] = NewEntry(host, entry.Certificate, entry.CreatedAt, entry.ExpiresAt)
	return nil
}

// Delete はキャッシュからエントリを削除
func (r *Repository) Delete(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, host)
	return nil
}

// Len は保持しているエントリ数.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// evictOldest は最も古いエントリを削除. 呼び出し側で排他ロックを保持すること.
func (r *Repository) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range r.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		delete(r.entries, oldestKey)
	}
}
