// Package credentials rotates among rate-limited search-engine credentials.
package credentials

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// PaidSlotID identifies the metered fallback channel in ledger records.
const PaidSlotID = "paid-fallback"

// InvariantError marks a slot whose counters no longer make sense. Callers
// must treat it as fatal to the run.
type InvariantError struct {
	SlotID string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("credential slot %s invariant violated: %s", e.SlotID, e.Detail)
}

// Pool hands out credential slots round-robin among those with remaining free
// quota, falling back to the paid channel once every slot is spent. All
// methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	slots   []*discovery.CredentialSlot
	next    int
	paidKey string
	clock   discovery.Clock
	logger  *zap.Logger
}

// New builds a Pool over the given slots. paidKey is the credential used for
// the paid fallback channel.
func New(slots []discovery.CredentialSlot, paidKey string, clock discovery.Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	owned := make([]*discovery.CredentialSlot, len(slots))
	for i := range slots {
		s := slots[i]
		owned[i] = &s
	}
	return &Pool{
		slots:   owned,
		paidKey: paidKey,
		clock:   clock,
		logger:  logger,
	}
}

// Acquire returns the next eligible free slot, or the paid fallback once all
// slots are exhausted. The returned credential's use is already counted
// against the slot's daily quota.
func (p *Pool) Acquire(purpose string) (discovery.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.slots); i++ {
		slot := p.slots[(p.next+i)%len(p.slots)]
		if slot.Exhausted {
			continue
		}
		if slot.UsedToday > slot.DailyQuota {
			return discovery.Credential{}, &InvariantError{
				SlotID: slot.ID,
				Detail: fmt.Sprintf("used %d exceeds quota %d", slot.UsedToday, slot.DailyQuota),
			}
		}
		if slot.UsedToday == slot.DailyQuota {
			p.markExhausted(slot, "quota spent")
			continue
		}
		slot.UsedToday++
		p.next = (p.next + i + 1) % len(p.slots)
		p.logger.Debug("credential acquired",
			zap.String("slot_id", slot.ID),
			zap.String("purpose", purpose),
			zap.Int("used_today", slot.UsedToday),
		)
		return discovery.Credential{SlotID: slot.ID, Key: slot.Key}, nil
	}

	p.logger.Info("all credential slots exhausted, using paid fallback", zap.String("purpose", purpose))
	return discovery.Credential{SlotID: PaidSlotID, Key: p.paidKey, Paid: true}, nil
}

// ReportExhausted marks a slot dead until the next reset, typically after the
// search engine answered with a rate-limit error. The counter is left as-is;
// the exhausted flag alone keeps the slot out of rotation even if the counter
// still shows headroom.
func (p *Pool) ReportExhausted(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		if slot.ID != slotID {
			continue
		}
		if !slot.Exhausted {
			p.markExhausted(slot, "rate limited upstream")
		}
		return
	}
}

// ResetAll clears counters and exhausted flags at the daily boundary.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		slot.UsedToday = 0
		slot.Exhausted = false
		slot.ExhaustedAt = nil
	}
	p.next = 0
	p.logger.Info("credential pool reset", zap.Int("slots", len(p.slots)))
}

// Snapshot returns a copy of all slots for status endpoints.
func (p *Pool) Snapshot() []discovery.CredentialSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]discovery.CredentialSlot, len(p.slots))
	for i, slot := range p.slots {
		out[i] = *slot
	}
	return out
}

func (p *Pool) markExhausted(slot *discovery.CredentialSlot, reason string) {
	now := p.clock.Now()
	slot.Exhausted = true
	slot.ExhaustedAt = &now
	p.logger.Warn("credential slot exhausted",
		zap.String("slot_id", slot.ID),
		zap.String("reason", reason),
		zap.Int("used_today", slot.UsedToday),
	)
}
