// Package entity provides read-through caching adapters over external
// identity data: character/corporation/alliance/... name resolution, and
// the auth-state lookup the tracker's attacker-state clauses consume.
// Both are recoverable-miss: an unresolved ID is reported, never an error.
package entity

import "sync"

// Category classifies what kind of entity an ID resolves to.
type Category string

const (
	CategoryCharacter     Category = "character"
	CategoryCorporation   Category = "corporation"
	CategoryAlliance      Category = "alliance"
	CategoryFaction       Category = "faction"
	CategoryInventoryType Category = "inventory_type"
	CategorySolarSystem   Category = "solar_system"
	CategoryRegion        Category = "region"
)

// Info is what Resolver.Resolve returns for a known ID.
type Info struct {
	Name     string
	Category Category
}

// Fetcher looks up entities not already cached. Implementations talk to
// whatever external identity service backs the deployment (out of scope for
// this module per its purpose and scope); a nil Fetcher makes Resolver a
// pure cache that never upgrades a miss.
type Fetcher interface {
	Fetch(ids []int64) (map[int64]Info, error)
}

// Resolver is a read-through cache over a Fetcher, keyed by entity ID.
type Resolver struct {
	fetch Fetcher
	cache sync.Map // int64 -> Info
}

// NewResolver builds a Resolver. fetch may be nil.
func NewResolver(fetch Fetcher) *Resolver {
	return &Resolver{fetch: fetch}
}

// Resolve returns cached identity info for id, or ok=false on a miss.
func (r *Resolver) Resolve(id int64) (Info, bool) {
	v, ok := r.cache.Load(id)
	if !ok {
		return Info{}, false
	}
	return v.(Info), true
}

// Warm preloads the cache for the given IDs, tolerating a failed or absent
// fetch. Callers treat warming as best-effort (killmail.EntityIDs feeds
// this before evaluation).
func (r *Resolver) Warm(ids []int64) {
	if r.fetch == nil || len(ids) == 0 {
		return
	}
	missing := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.cache.Load(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	resolved, err := r.fetch.Fetch(missing)
	if err != nil {
		return
	}
	for id, info := range resolved {
		r.cache.Store(id, info)
	}
}

// Seed populates the cache directly, for callers that already hold identity
// data (e.g. static-data system and region names loaded at boot).
func (r *Resolver) Seed(entries map[int64]Info) {
	for id, info := range entries {
		r.cache.Store(id, info)
	}
}

// StateFetcher looks up auth states for characters not already cached.
type StateFetcher interface {
	FetchStates(characterIDs []int64) (map[int64]string, error)
}

// UserStateLookup maps character IDs to an auth-state ID, consumed by the
// tracker's attacker/victim-state clauses. A character with no known state
// reports ok=false, which never satisfies a "require" clause.
type UserStateLookup struct {
	fetch StateFetcher
	cache sync.Map // int64 -> string
}

// NewUserStateLookup builds a UserStateLookup. fetch may be nil.
func NewUserStateLookup(fetch StateFetcher) *UserStateLookup {
	return &UserStateLookup{fetch: fetch}
}

// State returns the cached auth-state for a character, or ok=false.
func (u *UserStateLookup) State(characterID int64) (string, bool) {
	v, ok := u.cache.Load(characterID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Warm preloads auth states for the given character IDs, best-effort.
func (u *UserStateLookup) Warm(characterIDs []int64) {
	if u.fetch == nil || len(characterIDs) == 0 {
		return
	}
	missing := make([]int64, 0, len(characterIDs))
	for _, id := range characterIDs {
		if _, ok := u.cache.Load(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	states, err := u.fetch.FetchStates(missing)
	if err != nil {
		return
	}
	for id, state := range states {
		u.cache.Store(id, state)
	}
}
