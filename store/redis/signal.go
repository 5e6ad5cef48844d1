package redis

import (
	"context"
	"fmt"

	"github.com/vigilhq/vigil/id"
)

// MarkSignalApplied records a signal ID against its target. SAdd reports
// whether the member was new, which is exactly the first-delivery answer
// the router's dedup needs.
func (s *Store) MarkSignalApplied(ctx context.Context, target id.InstanceID, signalID string) (bool, error) {
	added, err := s.client.SAdd(ctx, appliedSignalsKey(target.String()), signalID).Result()
	if err != nil {
		return false, fmt.Errorf("vigil/redis: mark signal applied: %w", err)
	}
	return added == 1, nil
}

// UnmarkSignalApplied removes a recorded signal ID so delivery can retry.
func (s *Store) UnmarkSignalApplied(ctx context.Context, target id.InstanceID, signalID string) error {
	if err := s.client.SRem(ctx, appliedSignalsKey(target.String()), signalID).Err(); err != nil {
		return fmt.Errorf("vigil/redis: unmark signal applied: %w", err)
	}
	return nil
}
