// Stash caches bound themselves with eviction policies. A policy is plain data; the storage engine interprets it.
// Policies fall into two categories so the cache can apply only the relevant kind at the relevant moment:
//   - Size policies (MaxItemCount) evict the least recently used entries, judged by their last access date.
//   - Temporal policies (MaxItemLifetime) evict entries older than a lifetime, judged by their creation date, so a
//     frequently read entry still expires on schedule.

package cache

import (
	"flag"
	"fmt"
	"time"
)

var (
	defaultMaxItems = flag.Int("cache_default_max_items", 1000,
		"Max number of entries kept by caches created without explicit policies.")
	defaultMaxLifetime = flag.Duration("cache_default_max_lifetime", time.Hour,
		"Max entry lifetime for caches created without explicit policies.")
)

// Category groups policies by what they bound.
type Category int

const (
	SizeCategory Category = iota
	TemporalCategory
)

func (c Category) String() string {
	switch c {
	case SizeCategory:
		return "size"
	case TemporalCategory:
		return "temporal"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Policy is either a MaxItemCount or a MaxItemLifetime.
type Policy interface {
	Category() Category
	String() string
	isPolicy()
}

// MaxItemCount is a soft cap on the number of entries.
type MaxItemCount int

// MaxItemLifetime is the max age of an entry, measured from its creation date.
type MaxItemLifetime time.Duration

var (
	_ Policy = MaxItemCount(0)
	_ Policy = MaxItemLifetime(0)
)

func (MaxItemCount) Category() Category { return SizeCategory }
func (p MaxItemCount) String() string { return fmt.Sprintf("MaxItemCount(%d)", int(p)) }
func (MaxItemCount) isPolicy() {}

func (MaxItemLifetime) Category() Category { return TemporalCategory }
func (p MaxItemLifetime) String() string { return fmt.Sprintf("MaxItemLifetime(%s)", time.Duration(p)) }
func (MaxItemLifetime) isPolicy() {}

// Policies is an ordered policy list. An empty list means unbounded growth.
type Policies []Policy

// Of returns the policies of category `c`, keeping their order.
func (p Policies) Of(c Category) Policies {
	filtered := make(Policies, 0, len(p))
	for _, policy := range p {
		if policy.Category() == c {
			filtered = append(filtered, policy)
		}
	}
	return filtered
}

// DefaultPolicies returns the policies of caches created without WithPolicies.
func DefaultPolicies() Policies {
	return Policies{MaxItemCount(*defaultMaxItems), MaxItemLifetime(*defaultMaxLifetime)}
}
