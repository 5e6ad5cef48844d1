package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
)

// AppendEvent assigns the next offset for the instance's log via INCR and
// stores the encoded event in the log Sorted Set scored by that offset.
// Concurrent appenders get distinct offsets; the set keeps them ordered
// regardless of which write lands first.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	instID := evt.InstanceID.String()

	offset, err := s.client.Incr(ctx, eventOffsetKey(instID)).Result()
	if err != nil {
		return fmt.Errorf("vigil/redis: next event offset: %w", err)
	}
	evt.Offset = offset

	blob, err := s.codec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("vigil/redis: encode event: %w", err)
	}

	err = s.client.ZAdd(ctx, eventLogKey(instID), goredis.Z{
		Score:  float64(offset),
		Member: string(blob),
	}).Err()
	if err != nil {
		return fmt.Errorf("vigil/redis: append event: %w", err)
	}
	return nil
}

// ListEvents returns an instance's events with Offset >= fromOffset in
// offset order.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID, fromOffset int64) ([]*event.Event, error) {
	min := "-inf"
	if fromOffset > 0 {
		min = fmt.Sprintf("%d", fromOffset)
	}

	members, err := s.client.ZRangeByScore(ctx, eventLogKey(instanceID.String()), &goredis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: list events: %w", err)
	}

	events := make([]*event.Event, 0, len(members))
	for _, m := range members {
		var evt event.Event
		if err := s.codec.Unmarshal([]byte(m), &evt); err != nil {
			return nil, fmt.Errorf("vigil/redis: decode event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, nil
}

// CountEvents returns the number of events in an instance's log.
func (s *Store) CountEvents(ctx context.Context, instanceID id.InstanceID) (int64, error) {
	n, err := s.client.ZCard(ctx, eventLogKey(instanceID.String())).Result()
	if err != nil {
		return 0, fmt.Errorf("vigil/redis: count events: %w", err)
	}
	return n, nil
}
