package broker

import (
	"sort"
	"sync"
)

// Registry maps subjects to their subscriptions. Every access holds the
// same mutex; message handlers never run under it.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*SubscriptionInfo
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*SubscriptionInfo)}
}

func (r *Registry) Get(subject string) (*SubscriptionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.subs[subject]
	return info, ok
}

// Add inserts info unless the subject is already registered with a live
// handle, in which case the existing entry is returned with loaded set.
// A pending entry is replaced.
func (r *Registry) Add(info *SubscriptionInfo) (existing *SubscriptionInfo, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[info.Subject]; ok && !cur.Pending() {
		return cur, true
	}
	r.subs[info.Subject] = info
	return info, false
}

// RemoveIf deletes the entry for info.Subject only if it is still info.
func (r *Registry) RemoveIf(info *SubscriptionInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[info.Subject]; ok && cur == info {
		delete(r.subs, info.Subject)
		return true
	}
	return false
}

// MarkPending swaps info for a copy without a handle, keeping the subject
// registered until a repair succeeds. It is a no-op if info was replaced.
func (r *Registry) MarkPending(info *SubscriptionInfo) (*SubscriptionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.subs[info.Subject]
	if !ok || cur != info {
		return cur, false
	}
	pending := *info
	pending.Handle = nil
	r.subs[info.Subject] = &pending
	return &pending, true
}

// Snapshot returns the entries sorted by subject.
func (r *Registry) Snapshot() []*SubscriptionInfo {
	r.mu.Lock()
	out := make([]*SubscriptionInfo, 0, len(r.subs))
	for _, info := range r.subs {
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []*SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SubscriptionInfo, 0, len(r.subs))
	for _, info := range r.subs {
		out = append(out, info)
	}
	r.subs = make(map[string]*SubscriptionInfo)
	return out
}
