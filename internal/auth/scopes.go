package auth

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/pkg/models"
)

// ScopeMatches reports whether the stored scope matches the needed
// scope: either they are equal, or stored ends in "*" and needed carries
// the remaining prefix. A bare "*" grants everything.
func ScopeMatches(stored, needed string) bool {
	if stored == needed {
		return true
	}
	if prefix, ok := strings.CutSuffix(stored, "*"); ok {
		return strings.HasPrefix(needed, prefix)
	}
	return false
}

// scopeSetSatisfies applies the single-stored-scope rule: the needed set
// is accepted iff some one stored scope matches every needed scope.
func scopeSetSatisfies(stored, needed []string) bool {
	if len(needed) == 0 {
		return true
	}
	for _, s := range stored {
		all := true
		for _, n := range needed {
			if !ScopeMatches(s, n) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// scopeSetSatisfiesAny applies the per-needed existence rule: every
// needed scope must be matched by some (possibly different) stored
// scope.
func scopeSetSatisfiesAny(stored, needed []string) bool {
	for _, n := range needed {
		found := false
		for _, s := range stored {
			if ScopeMatches(s, n) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CheckScopes records needed in the used-scopes set and verifies the
// principal of payload against it. Returns InsufficientPermissions on
// mismatch.
func (a *Authorization) CheckScopes(ctx context.Context, payload *models.TokenPayload, needed ...string) error {
	a.used.Record(needed...)

	stored := payload.TestScopes
	if stored == nil {
		var err error
		stored, err = a.store.GetEntityScopes(ctx, payload.Sub)
		if err != nil {
			return err
		}
	}

	ok := false
	if a.matchAnyScope {
		ok = scopeSetSatisfiesAny(stored, needed)
	} else {
		ok = scopeSetSatisfies(stored, needed)
	}
	if !ok {
		return apierror.InsufficientPermissions
	}
	return nil
}

// UsedScopes is a process-wide multiset of every scope demanded by a
// RequireScope call site, surfaced for introspection. Append-dominated.
type UsedScopes struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewUsedScopes creates an empty used-scopes record.
func NewUsedScopes() *UsedScopes {
	return &UsedScopes{counts: make(map[string]int)}
}

// Record notes that scopes were demanded by an authorization check.
func (u *UsedScopes) Record(scopes ...string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range scopes {
		u.counts[s]++
	}
}

// Snapshot returns a copy of the multiset.
func (u *UsedScopes) Snapshot() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for s, n := range u.counts {
		out[s] = n
	}
	return out
}

// Names returns the distinct recorded scopes, sorted.
func (u *UsedScopes) Names() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	names := make([]string, 0, len(u.counts))
	for s := range u.counts {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}
