package store

import (
	"sort"

	"github.com/samber/lo"

	"github.com/wafleet/wafleet/pkg/logger"
)

// RetainPerChat is how many credential artifacts survive pruning for each
// chat key. The provider rewrites credentials continuously, so anything
// older than the newest ten is dead weight.
const RetainPerChat = 10

// Pruner trims old session artifacts. It runs once at process start,
// before any connection is opened, and may additionally run on a schedule.
// Pruning is idempotent and safe to run concurrently with credential
// writes from a live connection: a just-written artifact that falls
// outside the retention window is simply rewritten on the next update.
type Pruner struct {
	store  *SessionStore
	retain int
}

// NewPruner creates a pruner with the default retention.
func NewPruner(s *SessionStore) *Pruner {
	return &Pruner{store: s, retain: RetainPerChat}
}

// Prune trims one tenant namespace. Returns how many artifacts were
// deleted. Artifact names that do not follow the session-<chatKey>.<seq>
// convention are left alone.
func (p *Pruner) Prune(namespace string) (int, error) {
	names, err := p.store.List(namespace)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}

	byChat := lo.GroupBy(names, ChatKeyOf)
	delete(byChat, "")

	deleted := 0
	for _, group := range byChat {
		// Names embed increasing sequence numbers, so descending
		// lexicographic order is newest-first.
		sort.Sort(sort.Reverse(sort.StringSlice(group)))
		for _, name := range group[min(p.retain, len(group)):] {
			if err := p.store.Delete(namespace, name); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// PruneAll trims every given namespace. Only tenants known to the static
// list are ever pruned; a failing namespace is logged and skipped so one
// tenant's storage trouble never blocks the rest of the fleet.
func (p *Pruner) PruneAll(namespaces []string) int {
	total := 0
	for _, ns := range namespaces {
		n, err := p.Prune(ns)
		if err != nil {
			logger.ErrorCF("store", "Session pruning failed", map[string]interface{}{
				"namespace": ns,
				"error":     err.Error(),
			})
			continue
		}
		total += n
		if n > 0 {
			logger.InfoCF("store", "Pruned old session artifacts", map[string]interface{}{
				"namespace": ns,
				"deleted":   n,
			})
		}
	}
	return total
}
