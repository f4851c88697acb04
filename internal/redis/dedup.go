package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DedupTTL is how long a delivery key blocks duplicates. It is sized
// to catch producer retries and double-fired domain events without
// suppressing a legitimate later notification of the same shape.
const DedupTTL = 5 * time.Minute

// ErrDuplicate indicates the notification was already accepted within
// the dedup window and must not be delivered again.
var ErrDuplicate = errors.New("duplicate notification within dedup window")

// Deduper suppresses duplicate deliveries using Redis SET NX, so the
// window holds across every process instance.
type Deduper struct {
	client *Client
	ttl    time.Duration
}

// NewDeduper creates a Deduper with the default TTL.
func NewDeduper(client *Client) *Deduper {
	return &Deduper{client: client, ttl: DedupTTL}
}

// Key derives a content-based dedup key when the producer did not
// supply one: same user, type and message hash collapse together.
func Key(userID, ntype, message string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + ntype + "\x00" + message))
	return hex.EncodeToString(sum[:16])
}

// Reserve atomically claims the key for this delivery. Returns
// ErrDuplicate when the key was already claimed within the TTL.
func (d *Deduper) Reserve(ctx context.Context, key string) error {
	set, err := d.client.rdb.SetNX(ctx, "dedup:"+key, "1", d.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return ErrDuplicate
	}
	return nil
}

// Release frees the key early, allowing an immediate re-send. Used
// when a reserved notification is rejected downstream (queue full) so
// the producer's retry is not swallowed.
func (d *Deduper) Release(ctx context.Context, key string) error {
	if err := d.client.rdb.Del(ctx, "dedup:"+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
