package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is the outcome of Deduper.Claim.
type ClaimState int

const (
	// Claimed means the caller holds the processing lease and must call
	// Complete or Release.
	Claimed ClaimState = iota
	// AlreadyDone means the intent was handled before.
	AlreadyDone
	// InFlight means another delivery holds an unexpired lease.
	InFlight
)

// DefaultClaimLease bounds how long a crashed consumer can block redelivery
// of the intent it was handling.
const DefaultClaimLease = 2 * time.Minute

// Deduper remembers which intents a consumer has handled. Claim takes a
// short lease; only Complete records the intent as done for the long TTL, so
// a consumer that dies mid-effect leaves nothing behind but an expiring
// lease.
type Deduper interface {
	Claim(ctx context.Context, id string) (ClaimState, error)

	// Complete marks id done and drops the lease.
	Complete(ctx context.Context, id string) error

	// Release drops the lease so a failed intent can be handled again.
	Release(ctx context.Context, id string) error
}

// --- MemoryDeduper ---

type memoryClaim struct {
	done    bool
	expires time.Time
}

// MemoryDeduper is an in-process Deduper. Suitable for a single consumer
// instance.
type MemoryDeduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	lease  time.Duration
	claims map[string]memoryClaim
	now    func() time.Time
}

// NewMemoryDeduper creates a deduper remembering handled ids for ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:    ttl,
		lease:  DefaultClaimLease,
		claims: make(map[string]memoryClaim),
		now:    time.Now,
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, id string) (ClaimState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, c := range d.claims {
		if !now.Before(c.expires) {
			delete(d.claims, k)
		}
	}

	if c, ok := d.claims[id]; ok {
		if c.done {
			return AlreadyDone, nil
		}
		return InFlight, nil
	}
	d.claims[id] = memoryClaim{expires: now.Add(d.lease)}
	return Claimed, nil
}

func (d *MemoryDeduper) Complete(_ context.Context, id string) error {
	d.mu.Lock()
	d.claims[id] = memoryClaim{done: true, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return nil
}

// Release drops an unfinished lease. A done marker is kept.
func (d *MemoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	if c, ok := d.claims[id]; ok && !c.done {
		delete(d.claims, id)
	}
	d.mu.Unlock()
	return nil
}

// --- RedisDeduper ---

// RedisDeduper shares claims between consumer instances through Redis.
// "dedupe:intent:{id}" marks a handled intent and
// "dedupe:intent:{id}:lease" a delivery in progress.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
	lease  time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper remembering handled ids
// for ttl.
func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, lease: DefaultClaimLease}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (ClaimState, error) {
	done, err := d.isDone(ctx, id)
	if err != nil || done {
		return AlreadyDone, err
	}

	ok, err := d.client.SetNX(ctx, leaseKey(id), time.Now().UTC().Format(time.RFC3339), d.lease).Result()
	if err != nil {
		return InFlight, fmt.Errorf("redis setnx %q: %w", leaseKey(id), err)
	}
	if !ok {
		return InFlight, nil
	}

	// Another consumer may have completed between the check and the lease.
	if done, err = d.isDone(ctx, id); err != nil || done {
		d.client.Del(ctx, leaseKey(id))
		return AlreadyDone, err
	}
	return Claimed, nil
}

func (d *RedisDeduper) isDone(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, doneKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", doneKey(id), err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Complete(ctx context.Context, id string) error {
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, doneKey(id), time.Now().UTC().Format(time.RFC3339), d.ttl)
		p.Del(ctx, leaseKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis complete %q: %w", doneKey(id), err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, leaseKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", leaseKey(id), err)
	}
	return nil
}

func doneKey(id string) string  { return "dedupe:intent:" + id }
func leaseKey(id string) string { return doneKey(id) + ":lease" }
