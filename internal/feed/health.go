package feed

import (
	"sync"

	"chainstream/internal/models"
)

// Health score bounds and adjustment steps. Scores decay on failures and
// recover on clean operation, biasing the failover hierarchy toward
// accounts that have behaved recently.
const (
	healthMax         = 1.0
	healthMin         = 0.0
	healthFailureCost = 0.25
	healthRecoveryGain = 0.05
)

// HealthTracker maintains a live usability score per account. Seeded from
// the configured scores; adjusted as slots fail and recover.
type HealthTracker struct {
	mu     sync.Mutex
	scores map[string]float64
}

// NewHealthTracker seeds a tracker from the account directory. Accounts
// configured without a score start at full health.
func NewHealthTracker(accounts []models.Account) *HealthTracker {
	scores := make(map[string]float64, len(accounts))
	for _, a := range accounts {
		score := a.HealthScore
		if score <= healthMin || score > healthMax {
			score = healthMax
		}
		scores[a.ID] = score
	}
	return &HealthTracker{scores: scores}
}

// Score returns the account's current health score.
func (t *HealthTracker) Score(accountID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	score, ok := t.scores[accountID]
	if !ok {
		return healthMax
	}
	return score
}

// RecordFailure decays the account's score.
func (t *HealthTracker) RecordFailure(accountID string) {
	t.adjust(accountID, -healthFailureCost)
}

// RecordSuccess recovers part of the account's score.
func (t *HealthTracker) RecordSuccess(accountID string) {
	t.adjust(accountID, healthRecoveryGain)
}

func (t *HealthTracker) adjust(accountID string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	score, ok := t.scores[accountID]
	if !ok {
		score = healthMax
	}
	score += delta
	if score > healthMax {
		score = healthMax
	}
	if score < healthMin {
		score = healthMin
	}
	t.scores[accountID] = score
}

// Apply returns a copy of the accounts with live scores substituted, for
// re-deriving the failover hierarchy.
func (t *HealthTracker) Apply(accounts []models.Account) []models.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Account, len(accounts))
	copy(out, accounts)
	for i := range out {
		if score, ok := t.scores[out[i].ID]; ok {
			out[i].HealthScore = score
		}
	}
	return out
}
