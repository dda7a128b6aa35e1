// Package redis keeps refresh and verification token records in Redis.
// Every state change that needs a single winner runs as one Lua script, so
// the check and the write are atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pantrykit.org/internal/auth"
)

var (
	_ auth.TokenStore  = (*Store)(nil)
	_ auth.TokenPurger = (*Store)(nil)
)

const defaultPrefix = "pantry:"

// script results
const (
	resMissing = 0
	resSpent   = 1
	resOK      = 2
)

// createScript writes a record only if its key is free.
// KEYS[1] record, ARGV[1] expiry in unix ms, ARGV[2..] field/value pairs.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIREAT', KEYS[1], ARGV[1])
return 1
`)

// indexScript records a token id in the family and user sets and stretches
// their expiry to cover it.
var indexScript = goredis.NewScript(`
for i = 1, #KEYS do
  redis.call('SADD', KEYS[i], ARGV[1])
  local ttl = redis.call('PTTL', KEYS[i])
  local want = tonumber(ARGV[2])
  if ttl < 0 or ttl < want then
    redis.call('PEXPIRE', KEYS[i], want)
  end
end
return 1
`)

// useScript sets the marker field when the record is still live.
// KEYS[1] record, ARGV[1] now in ms, ARGV[2] marker field, ARGV[3..] other
// fields whose presence makes the record unusable.
var useScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local now = tonumber(ARGV[1])
for i = 2, #ARGV do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 1 then
    return 1
  end
end
if now >= tonumber(redis.call('HGET', KEYS[1], 'expires')) then
  return 1
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[1])
return 2
`)

// revokeScript marks every listed record revoked and counts the changes.
var revokeScript = goredis.NewScript(`
local n = 0
for i = 1, #KEYS do
  if redis.call('EXISTS', KEYS[i]) == 1 and redis.call('HEXISTS', KEYS[i], 'revoked') == 0 then
    redis.call('HSET', KEYS[i], 'revoked', ARGV[1])
    n = n + 1
  end
end
return n
`)

// Store implements auth.TokenStore on top of a Redis client.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New wraps client. Keys are namespaced with prefix.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) refreshKey(id string) string     { return s.prefix + "rt:" + id }
func (s *Store) familyKey(id string) string      { return s.prefix + "rtfam:" + id }
func (s *Store) userKey(id string) string        { return s.prefix + "rtuser:" + id }
func (s *Store) verifyKey(id string) string      { return s.prefix + "vt:" + id }
func (s *Store) indexPattern(kind string) string { return s.prefix + kind + ":*" }

func (s *Store) CreateRefreshToken(ctx context.Context, t *auth.RefreshToken) error {
	created, err := createScript.Run(ctx, s.client, []string{s.refreshKey(t.ID)},
		millis(t.ExpiresAt),
		"user", t.UserID,
		"family", t.FamilyID,
		"issued", millis(t.IssuedAt),
		"expires", millis(t.ExpiresAt),
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return fmt.Errorf("refresh token %s: %w", t.ID, auth.ErrConflict)
	}
	// a dangling index entry is harmless; PurgeExpiredTokens drops it
	life := t.ExpiresAt.Sub(t.IssuedAt)
	if life < time.Millisecond {
		life = time.Millisecond
	}
	return indexScript.Run(ctx, s.client,
		[]string{s.familyKey(t.FamilyID), s.userKey(t.UserID)},
		t.ID, life.Milliseconds(),
	).Err()
}

func (s *Store) RedeemRefreshToken(ctx context.Context, id string, now time.Time) (*auth.RefreshToken, error) {
	res, err := useScript.Run(ctx, s.client, []string{s.refreshKey(id)},
		millis(now), "redeemed", "revoked").Int()
	if err != nil {
		return nil, err
	}
	if res == resMissing {
		return nil, auth.ErrNotFound
	}
	rec, err := s.refreshToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if res != resOK {
		return rec, auth.ErrTokenSpent
	}
	return rec, nil
}

func (s *Store) refreshToken(ctx context.Context, id string) (*auth.RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.refreshKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, auth.ErrNotFound
	}
	return &auth.RefreshToken{
		ID:         id,
		UserID:     fields["user"],
		FamilyID:   fields["family"],
		IssuedAt:   fromMillis(fields["issued"]),
		ExpiresAt:  fromMillis(fields["expires"]),
		RedeemedAt: optMillis(fields, "redeemed"),
		RevokedAt:  optMillis(fields, "revoked"),
	}, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) error {
	key := s.refreshKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return revokeScript.Run(ctx, s.client, []string{key}, millis(now)).Err()
}

func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	return s.revokeIndexed(ctx, s.familyKey(familyID), now)
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	return s.revokeIndexed(ctx, s.userKey(userID), now)
}

func (s *Store) revokeIndexed(ctx context.Context, index string, now time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.refreshKey(id)
	}
	return revokeScript.Run(ctx, s.client, keys, millis(now)).Int64()
}

func (s *Store) CreateVerificationToken(ctx context.Context, t *auth.VerificationToken) error {
	created, err := createScript.Run(ctx, s.client, []string{s.verifyKey(t.ID)},
		millis(t.ExpiresAt),
		"user", t.UserID,
		"created", millis(t.CreatedAt),
		"expires", millis(t.ExpiresAt),
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return fmt.Errorf("verification token %s: %w", t.ID, auth.ErrConflict)
	}
	return nil
}

func (s *Store) ConsumeVerificationToken(ctx context.Context, id string, now time.Time) (*auth.VerificationToken, error) {
	key := s.verifyKey(id)
	res, err := useScript.Run(ctx, s.client, []string{key}, millis(now), "consumed").Int()
	if err != nil {
		return nil, err
	}
	if res == resMissing {
		return nil, auth.ErrNotFound
	}
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, auth.ErrNotFound
	}
	rec := &auth.VerificationToken{
		ID:         id,
		UserID:     fields["user"],
		CreatedAt:  fromMillis(fields["created"]),
		ExpiresAt:  fromMillis(fields["expires"]),
		ConsumedAt: optMillis(fields, "consumed"),
	}
	if res == resSpent {
		return rec, auth.ErrTokenSpent
	}
	return rec, nil
}

// PurgeExpiredTokens drops index entries whose token record Redis already
// expired. The records themselves carry a PEXPIREAT, so before is unused.
func (s *Store) PurgeExpiredTokens(ctx context.Context, _ time.Time) (int64, error) {
	var removed int64
	for _, kind := range []string{"rtfam", "rtuser"} {
		iter := s.client.Scan(ctx, 0, s.indexPattern(kind), 100).Iterator()
		for iter.Next(ctx) {
			index := iter.Val()
			ids, err := s.client.SMembers(ctx, index).Result()
			if err != nil {
				return removed, err
			}
			for _, id := range ids {
				n, err := s.client.Exists(ctx, s.refreshKey(id)).Result()
				if err != nil {
					return removed, err
				}
				if n > 0 {
					continue
				}
				if err := s.client.SRem(ctx, index, id).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if err := iter.Err(); err != nil && !errors.Is(err, goredis.Nil) {
			return removed, err
		}
	}
	return removed, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optMillis(fields map[string]string, key string) *time.Time {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	t := fromMillis(v)
	return &t
}

var (
	_ auth.TokenStore  = (*Store)(nil)
	_ auth.TokenPurger = (*Store)(nil)
)
