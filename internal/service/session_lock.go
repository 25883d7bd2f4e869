package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// ErrSessionActive is returned when the student already has a live hosted
// session for the exam.
var ErrSessionActive = errors.New("exam session already open on another connection")

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only when it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SessionLock guards a student's single live session per exam.
type SessionLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// AcquireSessionLock takes the lock or returns ErrSessionActive.
func AcquireSessionLock(ctx context.Context, rdb *redis.Client, examID uuid.UUID, studentID int, ttl time.Duration) (*SessionLock, error) {
	l := &SessionLock{
		rdb:   rdb,
		key:   config.CacheKey.StudentSessionLockKey(examID.String(), studentID),
		token: uuid.New().String(),
		ttl:   ttl,
	}
	ok, err := rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return nil, ErrSessionActive
	}
	return l, nil
}

// Refresh extends the lock. It reports false once the lock was lost.
func (l *SessionLock) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh session lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if it is still ours.
func (l *SessionLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
