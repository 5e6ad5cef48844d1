package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
)

// CreateInstance stores the instance as a Hash and indexes it for
// enumeration and parent lookup. HSetNX on the blob field is the duplicate
// guard.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance) error {
	instID := inst.ID.String()
	key := instanceKey(instID)

	blob, err := s.codec.Marshal(inst)
	if err != nil {
		return fmt.Errorf("vigil/redis: encode instance: %w", err)
	}

	created, err := s.client.HSetNX(ctx, key, "data", blob).Result()
	if err != nil {
		return fmt.Errorf("vigil/redis: create instance: %w", err)
	}
	if !created {
		return vigil.ErrInstanceExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "status", string(inst.Status), "orphaned", boolField(inst.Orphaned))
	pipe.SAdd(ctx, instanceIDsKey, instID)
	if inst.ParentID != nil {
		pipe.SAdd(ctx, childrenKey(inst.ParentID.String()), instID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("vigil/redis: index instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	return s.getInstanceByKey(ctx, instanceKey(instanceID.String()))
}

// UpdateInstance persists changes to an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *instance.Instance) error {
	key := instanceKey(inst.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("vigil/redis: update instance exists: %w", err)
	}
	if exists == 0 {
		return vigil.ErrInstanceNotFound
	}

	cp := *inst
	cp.UpdatedAt = time.Now().UTC()
	blob, err := s.codec.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("vigil/redis: encode instance: %w", err)
	}

	_, err = s.client.HSet(ctx, key,
		"data", blob,
		"status", string(cp.Status),
		"orphaned", boolField(cp.Orphaned),
	).Result()
	if err != nil {
		return fmt.Errorf("vigil/redis: update instance: %w", err)
	}
	return nil
}

// ListInstances returns instances matching the given options, sorted by
// creation time.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: list instances smembers: %w", err)
	}

	result := make([]*instance.Instance, 0, len(ids))
	for _, instID := range ids {
		inst, getErr := s.getInstanceByKey(ctx, instanceKey(instID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.Live && inst.Status.Terminal() {
			continue
		}
		if opts.Orphaned && !inst.Orphaned {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListChildren returns the direct children of a parent instance, sorted by
// creation time.
func (s *Store) ListChildren(ctx context.Context, parentID id.InstanceID) ([]*instance.Instance, error) {
	ids, err := s.client.SMembers(ctx, childrenKey(parentID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: list children smembers: %w", err)
	}

	children := make([]*instance.Instance, 0, len(ids))
	for _, childID := range ids {
		child, getErr := s.getInstanceByKey(ctx, instanceKey(childID))
		if getErr != nil {
			continue
		}
		children = append(children, child)
	}

	sort.Slice(children, func(i, j int) bool {
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children, nil
}

func (s *Store) getInstanceByKey(ctx context.Context, key string) (*instance.Instance, error) {
	blob, err := s.client.HGet(ctx, key, "data").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, vigil.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: get instance: %w", err)
	}

	var inst instance.Instance
	if err := s.codec.Unmarshal([]byte(blob), &inst); err != nil {
		return nil, fmt.Errorf("vigil/redis: decode instance: %w", err)
	}
	return &inst, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
