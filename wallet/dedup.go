package wallet

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

const (
	DedupBucket  = 10 * time.Second
	DedupBuckets = 30
)

// envelopeDedup remembers recently accepted envelopes, so a code scanned in
// a loop or a retried LAN send is answered without decoding it again.
// Hashes are grouped in time buckets; buckets older than the window are dropped.
type envelopeDedup struct {
	mu      sync.Mutex
	bucket  time.Duration
	window  int64
	now     func() time.Time
	byHash  map[string]seenEnvelope
	buckets map[int64]map[string]struct{}
}

type seenEnvelope struct {
	packageID string
	slot      int64
}

func newEnvelopeDedup(bucket time.Duration, window int, now func() time.Time) *envelopeDedup {
	if bucket <= 0 {
		bucket = DedupBucket
	}
	if window <= 0 {
		window = DedupBuckets
	}
	return &envelopeDedup{
		bucket:  bucket,
		window:  int64(window),
		now:     now,
		byHash:  make(map[string]seenEnvelope),
		buckets: make(map[int64]map[string]struct{}),
	}
}

func envelopeHash(text string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:16])
}

func (d *envelopeDedup) slot() int64 {
	return d.now().UnixNano() / int64(d.bucket)
}

// Lookup returns the package id of an envelope seen within the window.
func (d *envelopeDedup) Lookup(hash string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanUp()
	seen, ok := d.byHash[hash]
	return seen.packageID, ok
}

func (d *envelopeDedup) Add(hash, packageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slot()
	// a hash lives in one bucket only, the one of its latest sighting
	if prev, ok := d.byHash[hash]; ok && prev.slot != slot {
		if old := d.buckets[prev.slot]; old != nil {
			delete(old, hash)
			if len(old) == 0 {
				delete(d.buckets, prev.slot)
			}
		}
	}
	if _, exists := d.buckets[slot]; !exists {
		d.buckets[slot] = make(map[string]struct{})
	}
	d.buckets[slot][hash] = struct{}{}
	d.byHash[hash] = seenEnvelope{packageID: packageID, slot: slot}
}

func (d *envelopeDedup) cleanUp() {
	current := d.slot()
	for slot, hashes := range d.buckets {
		if current-slot < d.window {
			continue
		}
		for h := range hashes {
			delete(d.byHash, h)
		}
		delete(d.buckets, slot)
	}
}

func (d *envelopeDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byHash)
}
