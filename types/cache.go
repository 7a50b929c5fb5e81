package types

import "time"

type EvictionReason int32

const (
	EvictionReasonNone EvictionReason = iota
	EvictionReasonRemoved
	EvictionReasonReplaced
	EvictionReasonExpired
	EvictionReasonTokenExpired
	// EvictionReasonCapacity is reserved; no size-based policy evicts with it.
	EvictionReasonCapacity
)

func (r EvictionReason) String() string {
	switch r {
	case EvictionReasonNone:
		return "None"
	case EvictionReasonRemoved:
		return "Removed"
	case EvictionReasonReplaced:
		return "Replaced"
	case EvictionReasonExpired:
		return "Expired"
	case EvictionReasonTokenExpired:
		return "TokenExpired"
	case EvictionReasonCapacity:
		return "Capacity"
	default:
		return "Unknown"
	}
}

// CachePriority is carried on entries but never consulted, since there is no
// size-based eviction. The zero value is Normal.
type CachePriority int32

const (
	CachePriorityNormal CachePriority = iota
	CachePriorityLow
	CachePriorityHigh
	CachePriorityNeverRemove
)

func (p CachePriority) String() string {
	switch p {
	case CachePriorityLow:
		return "Low"
	case CachePriorityNormal:
		return "Normal"
	case CachePriorityHigh:
		return "High"
	case CachePriorityNeverRemove:
		return "NeverRemove"
	default:
		return "Unknown"
	}
}

// EvictionCallback is invoked once per evicted entry, after the entry has
// left the store.
type EvictionCallback func(key string, value interface{}, reason EvictionReason)

type CacheStats struct {
	Entries          int                    `json:"entries"`
	Tokens           int                    `json:"tokens"`
	Hits             uint64                 `json:"hits"`
	Misses           uint64                 `json:"misses"`
	Evictions        map[string]uint64      `json:"evictions"`
	CallbackFailures uint64                 `json:"callback_failures"`
	LastSweep        time.Time              `json:"last_sweep"`
	Details          map[string]interface{} `json:"details,omitempty"`
}
