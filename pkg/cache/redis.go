package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// SegmentMeta is the byte-range metadata shared across ingest-engine
// instances through RedisSegmentIndex, so a second instance reading the
// same live stream does not have to re-derive offsets from scratch.
type SegmentMeta struct {
	Sequence uint64 `json:"sequence"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Final    bool   `json:"final"` // true once End is no longer provisional
}

// RedisSegmentIndex is an optional distributed index of segment byte
// offsets, backing multiple ingest-engine instances sharing one live
// stream's metadata. It is not consulted for segment bytes themselves —
// only offsets, which are cheap to serialize and safe to share.
type RedisSegmentIndex struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// NewRedisSegmentIndex creates an index scoped under keyPrefix (typically
// derived from the resolved stream's base URL) with the given entry TTL.
func NewRedisSegmentIndex(client *redis.Client, keyPrefix string, defaultTTL time.Duration) *RedisSegmentIndex {
	if defaultTTL == 0 {
		defaultTTL = 30 * time.Minute
	}
	return &RedisSegmentIndex{client: client, keyPrefix: keyPrefix, defaultTTL: defaultTTL}
}

func (r *RedisSegmentIndex) key(sequence uint64) string {
	return r.keyPrefix + ":seg:" + formatUint(sequence)
}

// PutSegmentMeta stores byte-offset metadata for one sequence.
func (r *RedisSegmentIndex) PutSegmentMeta(ctx context.Context, meta SegmentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(meta.Sequence), data, r.defaultTTL).Err()
}

// GetSegmentMeta retrieves byte-offset metadata for one sequence, if any
// other instance has already recorded it.
func (r *RedisSegmentIndex) GetSegmentMeta(ctx context.Context, sequence uint64) (SegmentMeta, bool, error) {
	data, err := r.client.Get(ctx, r.key(sequence)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SegmentMeta{}, false, nil
		}
		return SegmentMeta{}, false, err
	}
	var meta SegmentMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SegmentMeta{}, false, err
	}
	return meta, true, nil
}

// RemoveSegmentMeta drops one sequence's metadata, mirroring its
// expiration from the local sliding window.
func (r *RedisSegmentIndex) RemoveSegmentMeta(ctx context.Context, sequence uint64) error {
	return r.client.Del(ctx, r.key(sequence)).Err()
}

// Clear removes every entry under this index's key prefix.
func (r *RedisSegmentIndex) Clear(ctx context.Context) error {
	pattern := r.keyPrefix + ":seg:*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
