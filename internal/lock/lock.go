// Package lock provides the Redis-backed mutual-exclusion primitives shared
// by live monitors and the reaper: a per-device stop lock and a per-job
// monitor lease.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker wraps a Redis client for device locks and monitor leases.
type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

func deviceKey(deviceID string) string {
	return "lock:device:" + deviceID
}

func leaseKey(jobID string) string {
	return "lease:job:" + jobID
}

// AcquireDevice takes the per-device stop lock. The returned token must be
// passed back to ReleaseDevice; a false result means another caller holds
// the lock and this caller should exit cleanly rather than retry.
func (l *Locker) AcquireDevice(ctx context.Context, deviceID string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, deviceKey(deviceID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseDevice drops the device lock if the caller still owns it.
func (l *Locker) ReleaseDevice(ctx context.Context, deviceID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{deviceKey(deviceID)}, token).Err()
}

// AcquireJob takes the monitor lease for a job. Exactly one monitor may hold
// the lease; a duplicate Watch for the same job gets ok=false and must not
// start polling.
func (l *Locker) AcquireJob(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, leaseKey(jobID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// HeartbeatJob pushes the lease deadline forward. Returns false when the
// lease was lost (expired or taken over), which tells the monitor the reaper
// may now own the job.
func (l *Locker) HeartbeatJob(ctx context.Context, jobID, token string, ttl time.Duration) (bool, error) {
	res, err := heartbeatScript.Run(ctx, l.client, []string{leaseKey(jobID)}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ReleaseJob drops the monitor lease if the caller still owns it.
func (l *Locker) ReleaseJob(ctx context.Context, jobID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{leaseKey(jobID)}, token).Err()
}

// JobLeaseLive reports whether any monitor currently holds the job's lease.
// The reaper uses this to tell a dead monitor from a slow one.
func (l *Locker) JobLeaseLive(ctx context.Context, jobID string) (bool, error) {
	n, err := l.client.Exists(ctx, leaseKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var heartbeatScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)
