package offline

import "sync/atomic"

type stats struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	bypassed      atomic.Uint64
	networkErrors atomic.Uint64
	offlinePages  atomic.Uint64
	placeholders  atomic.Uint64
	apiFallbacks  atomic.Uint64
	stored        atomic.Uint64
	storeFailures atomic.Uint64
	hitBytes      atomic.Uint64
}

// Stats counts interception outcomes since the controller was created.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Bypassed      uint64 `json:"bypassed"`
	NetworkErrors uint64 `json:"network_errors"`
	OfflinePages  uint64 `json:"offline_pages"`
	Placeholders  uint64 `json:"placeholder_images"`
	APIFallbacks  uint64 `json:"api_fallbacks"`
	Stored        uint64 `json:"stored"`
	StoreFailures uint64 `json:"store_failures"`
	HitBytes      uint64 `json:"hit_bytes"`
}

func (s *stats) snapshot() Stats {
	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Bypassed:      s.bypassed.Load(),
		NetworkErrors: s.networkErrors.Load(),
		OfflinePages:  s.offlinePages.Load(),
		Placeholders:  s.placeholders.Load(),
		APIFallbacks:  s.apiFallbacks.Load(),
		Stored:        s.stored.Load(),
		StoreFailures: s.storeFailures.Load(),
		HitBytes:      s.hitBytes.Load(),
	}
}
