package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/basketd/basketd/internal/types"
	"github.com/google/uuid"
)

// ErrManualResolution is returned when the configured policy requires a
// human decision.
var ErrManualResolution = errors.New("conflict requires manual resolution")

// ErrConflictNotFound is returned when acknowledging a conflict id that
// is not pending.
var ErrConflictNotFound = errors.New("conflict not found")

// simultaneousEditWindow is how close two edits must be, in wall time,
// to count as a simultaneous edit rather than a sequential one.
const simultaneousEditWindow = 30 * time.Second

// DetectConflict compares the local replica of an entry with a peer
// device's copy and classifies the disagreement, or returns nil when
// the two can converge without resolution.
func DetectConflict(local, remote *types.Entry, localDeviceID string) *types.Conflict {
	if local == nil || remote == nil {
		return nil
	}
	if local.Metadata.Version == remote.Metadata.Version &&
		local.Metadata.DeviceID == remote.Metadata.DeviceID {
		return nil
	}

	localPending := local.Metadata.SyncStatus == types.SyncStatusPending ||
		local.Metadata.SyncStatus == types.SyncStatusConflict

	// A synced local copy accepts any later remote update without a
	// conflict: nothing local would be lost.
	if !localPending && remote.Metadata.Version >= local.Metadata.Version {
		return nil
	}

	gap := local.Metadata.LastModified.Sub(remote.Metadata.LastModified)
	if gap < 0 {
		gap = -gap
	}

	conflict := &types.Conflict{
		ID:             uuid.NewString(),
		ShoppingListID: local.Metadata.ID,
		Local:          local,
		Remote:         remote,
		DeviceIDs:      []string{localDeviceID, remote.Metadata.DeviceID},
		DetectedAt:     time.Now().UTC(),
	}

	switch {
	case localPending && gap <= simultaneousEditWindow:
		conflict.Type = types.ConflictSimultaneousEdit
		conflict.Severity = types.SeverityHigh
		conflict.AutoResolvable = false
		conflict.Context = fmt.Sprintf("both devices edited within %s of each other", gap.Round(time.Second))
	case itemStatesDiffer(local, remote):
		conflict.Type = types.ConflictItemState
		conflict.Severity = types.SeverityLow
		conflict.AutoResolvable = true
		conflict.Context = "devices disagree on item checked state"
	default:
		conflict.Type = types.ConflictVersionMismatch
		conflict.Severity = types.SeverityMedium
		conflict.AutoResolvable = true
		conflict.Context = fmt.Sprintf("local version %d vs remote version %d",
			local.Metadata.Version, remote.Metadata.Version)
	}
	return conflict
}

// itemStatesDiffer reports whether the same item carries a different
// checked state on the two replicas.
func itemStatesDiffer(local, remote *types.Entry) bool {
	for cat := range local.Categories {
		items := local.Categories[cat]
		for i := range items {
			peer := remote.FindItem(items[i].ID)
			if peer != nil && peer.Checked != items[i].Checked {
				return true
			}
		}
	}
	return false
}

// deriveStrategy maps the sync layer's single resolution policy onto
// device-level behavior. Device edits have no "server side", so
// local-wins becomes device priority and the content-aware strategies
// fall back to recency.
func deriveStrategy(s types.ResolutionStrategy) types.ResolutionStrategy {
	switch s {
	case types.StrategyLocalWins:
		return types.StrategyDevicePriority
	case types.StrategyServerWins, types.StrategyMerge:
		return types.StrategyTimestamp
	case types.StrategyManual:
		return types.StrategyManual
	default:
		return s
	}
}

// Resolve picks a winner for a device conflict under the configured
// policy. Manual policy returns ErrManualResolution so the caller can
// surface the conflict instead.
func (m *Manager) Resolve(_ context.Context, conflict types.Conflict) (*types.Resolution, error) {
	strategy := deriveStrategy(m.cfg.Strategy)
	if strategy == types.StrategyManual && !conflict.AutoResolvable {
		return nil, ErrManualResolution
	}

	local, remote := conflict.Local, conflict.Remote
	if local == nil || remote == nil {
		return nil, errors.New("resolve device conflict: both sides required")
	}

	var winner *types.Entry
	var explanation string
	switch strategy {
	case types.StrategyDevicePriority:
		// The current device outranks its peers.
		winner = local
		explanation = fmt.Sprintf("device %s holds priority over %s",
			m.cfg.DeviceID, remote.Metadata.DeviceID)
	default:
		if remote.Metadata.LastModified.After(local.Metadata.LastModified) {
			winner = remote
			explanation = fmt.Sprintf("device %s edited most recently (%s)",
				remote.Metadata.DeviceID,
				remote.Metadata.LastModified.Format(time.RFC3339))
		} else {
			winner = local
			explanation = fmt.Sprintf("device %s edited most recently (%s)",
				m.cfg.DeviceID,
				local.Metadata.LastModified.Format(time.RFC3339))
		}
	}

	margin := local.Metadata.LastModified.Sub(remote.Metadata.LastModified)
	if margin < 0 {
		margin = -margin
	}
	return &types.Resolution{
		ConflictID:  conflict.ID,
		Strategy:    strategy,
		Winner:      winner.Clone(),
		WinnerID:    winner.Metadata.DeviceID,
		Confidence:  resolutionConfidence(margin, simultaneousEditWindow),
		Explanation: explanation,
		ResolvedAt:  time.Now().UTC(),
	}, nil
}

// DeviceEdit is one device's concurrent copy of an entry, used by the
// multi-device resolver.
type DeviceEdit struct {
	DeviceID string
	Entry    *types.Entry
	EditedAt time.Time
}

// ResolveMultiDevice resolves a conflict among three or more devices
// that edited the same list inside overlapping windows. The winner is
// chosen by the derived strategy; confidence grows with how clearly the
// winner's edit separates from the runner-up's.
func (m *Manager) ResolveMultiDevice(_ context.Context, listID string, edits []DeviceEdit) (*types.Resolution, error) {
	if len(edits) == 0 {
		return nil, errors.New("resolve multi-device conflict: no edits")
	}

	sorted := make([]DeviceEdit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EditedAt.After(sorted[j].EditedAt)
	})

	strategy := deriveStrategy(m.cfg.Strategy)
	winner := sorted[0]
	explanation := fmt.Sprintf("%d devices edited %q concurrently; device %s edited last (%s)",
		len(sorted), listID, winner.DeviceID, winner.EditedAt.Format(time.RFC3339))
	if strategy == types.StrategyDevicePriority {
		for i := range sorted {
			if sorted[i].DeviceID == m.cfg.DeviceID {
				winner = sorted[i]
				explanation = fmt.Sprintf("%d devices edited %q concurrently; device %s holds priority",
					len(sorted), listID, winner.DeviceID)
				break
			}
		}
	}

	windowSpan := sorted[0].EditedAt.Sub(sorted[len(sorted)-1].EditedAt)
	margin := time.Duration(0)
	if len(sorted) > 1 {
		margin = sorted[0].EditedAt.Sub(sorted[1].EditedAt)
	}

	resolution := &types.Resolution{
		ConflictID:  uuid.NewString(),
		Strategy:    strategy,
		WinnerID:    winner.DeviceID,
		Confidence:  resolutionConfidence(margin, windowSpan),
		Explanation: explanation,
		ResolvedAt:  time.Now().UTC(),
	}
	if winner.Entry != nil {
		resolution.Winner = winner.Entry.Clone()
	}
	return resolution, nil
}

// resolutionConfidence scores an automatic resolution in [0.5, 0.99].
// The floor reflects that recency is a heuristic; the score rises as
// the winning edit separates from the rest of the window.
func resolutionConfidence(margin, windowSpan time.Duration) float64 {
	if windowSpan <= 0 {
		return 0.5
	}
	c := 0.5 + 0.5*(float64(margin)/float64(windowSpan))
	if c < 0.5 {
		c = 0.5
	}
	if c > 0.99 {
		c = 0.99
	}
	return c
}
