package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"collab-drawer/pkg/ot"
)

const streamField = "op"

// RedisStreamStore keeps one Redis stream per exercise. Each entry holds the
// JSON encoded operation in the "op" field.
type RedisStreamStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStreamStore uses an existing client.
func NewRedisStreamStore(client *redis.Client, prefix string) *RedisStreamStore {
	return &RedisStreamStore{client: client, prefix: prefix}
}

// OpenRedis connects to addr and checks the connection.
func OpenRedis(ctx context.Context, addr, prefix string) (*RedisStreamStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return NewRedisStreamStore(client, prefix), nil
}

func (s *RedisStreamStore) stream(exerciseID int) string {
	return s.prefix + strconv.Itoa(exerciseID)
}

func (s *RedisStreamStore) PersistOperation(ctx context.Context, op ot.Operation) error {
	if err := validate(op); err != nil {
		return fmt.Errorf("persist seq %d: %w", op.ServerSequence, err)
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream(op.ExerciseID),
		Values: map[string]interface{}{streamField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to stream: %w", err)
	}
	return nil
}

func (s *RedisStreamStore) ListOperations(ctx context.Context, exerciseID, since int) ([]ot.Operation, error) {
	msgs, err := s.client.XRange(ctx, s.stream(exerciseID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	ops := make([]ot.Operation, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[streamField].(string)
		if !ok {
			return nil, fmt.Errorf("stream entry %s has no %q field", msg.ID, streamField)
		}
		var op ot.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("failed to decode stream entry %s: %w", msg.ID, err)
		}
		if op.ServerSequence > since {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (s *RedisStreamStore) Close() error {
	return s.client.Close()
}

var _ OperationStore = (*RedisStreamStore)(nil)
