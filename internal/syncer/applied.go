package syncer

import "sync"

// AppliedSet holds the URLs the engine is currently writing to the local
// store. Store events for a held URL were caused by the engine and must
// not be reported back to the server.
type AppliedSet struct {
	mu   sync.Mutex
	urls map[string]int
}

// NewAppliedSet returns an empty set.
func NewAppliedSet() *AppliedSet {
	return &AppliedSet{urls: make(map[string]int)}
}

// Mark holds url until the returned release func is called. Marks nest.
func (a *AppliedSet) Mark(url string) (release func()) {
	a.mu.Lock()
	a.urls[url]++
	a.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()

			if a.urls[url] <= 1 {
				delete(a.urls, url)
				return
			}

			a.urls[url]--
		})
	}
}

// Has reports whether url is held.
func (a *AppliedSet) Has(url string) bool {
	if url == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.urls[url] > 0
}

// Len returns the number of distinct held URLs.
func (a *AppliedSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.urls)
}
