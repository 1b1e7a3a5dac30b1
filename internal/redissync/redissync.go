// Package redissync implements the optional best-effort multi-instance
// mirror: local KeyStore mutations are published to a Redis pub/sub channel
// and mirrored into a hash; a subscriber applies inbound mutations from
// peer instances without re-publishing. Redis is never authoritative --
// unreachable Redis degrades to local-only operation, never a failure of
// the mutation itself. The client wiring and pub/sub follow a Redis
// adapter's infra layer, and the atomic credit script follows a Lua
// check-then-write pattern from a quota storage package.
package redissync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/logger"
)

// eventEnvelope is published on the sync channel for every local mutation.
// Origin lets subscribers recognize and discard their own publications if
// Redis ever echoes them back, though the normal case is that only peers
// receive the message.
type eventEnvelope struct {
	Type   string             `json:"type"`
	Key    string             `json:"key"`
	Record *keystore.KeyRecord `json:"record,omitempty"`
	Origin string             `json:"origin"`
}

// deductScript atomically re-checks and decrements the "credits" field of a
// per-key counter hash ("<hashKey>:<key>", separate from the JSON record
// mirror in hashKey) so concurrent instances never both observe sufficient
// balance for the same spend. Only topupScript creates that field; while it
// is absent, deductScript changes nothing and returns 0. It is best-effort
// bookkeeping: the local KeyStore's own critical section is still the
// authority the Gate trusts.
var deductScript = redis.NewScript(`
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '-1')
if credits < 0 then
	return 0
end
local amount = tonumber(ARGV[1])
if credits < amount then
	return 0
end
redis.call('HSET', KEYS[1], 'credits', credits - amount)
return 1
`)

var topupScript = redis.NewScript(`
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
redis.call('HSET', KEYS[1], 'credits', credits + tonumber(ARGV[1]))
return 1
`)

// Sync wraps a keystore.Store, mirroring every mutation to Redis and
// applying inbound mutations from other instances. It implements
// keystore.Store itself so it can be dropped in wherever the plain store
// is used.
type Sync struct {
	keystore.Store
	client   *redis.Client
	channel  string
	hashKey  string
	originID string
}

// New connects to Redis and wraps inner. If Redis is unreachable at
// startup, New logs and returns inner unwrapped -- sync is best-effort, not
// a hard dependency.
func New(ctx context.Context, inner keystore.Store, addr, password string, db int, channel, hashKey string, warmOnStart bool) keystore.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redissync: redis unreachable, continuing with local state only", "addr", addr, "error", err)
		return inner
	}

	s := &Sync{
		Store:    inner,
		client:   client,
		channel:  channel,
		hashKey:  hashKey,
		originID: randomOriginID(),
	}
	if warmOnStart {
		s.warm(ctx)
	}
	go s.subscribe(ctx)
	logger.Info("redissync: connected and mirroring", "addr", addr, "channel", channel)
	return s
}

func randomOriginID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// warm loads the full mirror hash into the local store so a freshly started
// instance catches up on state written by peers while it was down.
func (s *Sync) warm(ctx context.Context) {
	all, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		logger.Warn("redissync: warm-start hash read failed", "error", err)
		return
	}
	for key, raw := range all {
		var rec keystore.KeyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logger.Warn("redissync: skipping unparseable mirrored record", "key", key, "error", err)
			continue
		}
		s.Store.ApplySync(&rec)
	}
	logger.Info("redissync: warm start complete", "records", len(all))
}

func (s *Sync) subscribe(ctx context.Context) {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	ch := sub.Channel()
	for msg := range ch {
		var env eventEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Warn("redissync: malformed event on channel", "error", err)
			continue
		}
		if env.Origin == s.originID {
			continue // our own publication, never re-applied
		}
		if env.Record != nil {
			s.Store.ApplySync(env.Record)
		}
	}
}

func (s *Sync) publish(ctx context.Context, eventType, key string, rec *keystore.KeyRecord) {
	env := eventEnvelope{Type: eventType, Key: key, Record: rec, Origin: s.originID}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		logger.Warn("redissync: publish failed, continuing locally", "type", eventType, "error", err)
		return
	}
	if rec != nil {
		recJSON, err := json.Marshal(rec)
		if err == nil {
			if err := s.client.HSet(ctx, s.hashKey, key, recJSON).Err(); err != nil {
				logger.Warn("redissync: hash mirror write failed", "key", key, "error", err)
			}
		}
	}
}

// mirrorAfter fetches the post-mutation record (if ok) and publishes it;
// called after each mutating Store method that Sync wraps. MutateQuota and
// MarkUsed pass straight through to the inner store and are not mirrored.
func (s *Sync) mirrorAfter(ok bool, key string, eventType string) {
	if !ok {
		return
	}
	rec, found := s.Store.GetKeyRaw(key)
	if !found {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.publish(ctx, eventType, key, rec)
}

func (s *Sync) CreateKey(name string, credits int64, opts keystore.CreateOpts) (*keystore.KeyRecord, error) {
	rec, err := s.Store.CreateKey(name, credits, opts)
	if err == nil {
		s.mirrorAfter(true, rec.Key, "key.create")
	}
	return rec, err
}

func (s *Sync) ImportKey(key, name string, credits int64) (*keystore.KeyRecord, error) {
	rec, err := s.Store.ImportKey(key, name, credits)
	if err == nil {
		s.mirrorAfter(true, rec.Key, "key.import")
	}
	return rec, err
}

func (s *Sync) DeductCredits(key string, amount int64) (bool, pgerrors.DenyReason) {
	ok, reason := s.Store.DeductCredits(key, amount)
	if ok {
		s.mirrorDeduct(key, amount)
		s.mirrorAfter(true, key, "credits.deduct")
	}
	return ok, reason
}

func (s *Sync) AddCredits(key string, amount int64) bool {
	ok := s.Store.AddCredits(key, amount)
	if ok {
		s.mirrorTopup(key, amount)
		s.mirrorAfter(true, key, "credits.topup")
	}
	return ok
}

// mirrorDeduct/mirrorTopup run the Lua scripts best-effort to keep the
// per-key counter hash consistent under concurrent instances;
// failures are logged, never propagated, since the local store already
// committed the authoritative result.
func (s *Sync) mirrorDeduct(key string, amount int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := deductScript.Run(ctx, s.client, []string{s.hashKey + ":" + key}, amount).Err(); err != nil && err != redis.Nil {
		logger.Warn("redissync: deduct script failed", "key", key, "error", err)
	}
}

func (s *Sync) mirrorTopup(key string, amount int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := topupScript.Run(ctx, s.client, []string{s.hashKey + ":" + key}, amount).Err(); err != nil && err != redis.Nil {
		logger.Warn("redissync: topup script failed", "key", key, "error", err)
	}
}

func (s *Sync) RevokeKey(key string) bool {
	ok := s.Store.RevokeKey(key)
	s.mirrorAfter(ok, key, "key.revoke")
	return ok
}

func (s *Sync) SuspendKey(key string) bool {
	ok := s.Store.SuspendKey(key)
	s.mirrorAfter(ok, key, "key.suspend")
	return ok
}

func (s *Sync) ResumeKey(key string) bool {
	ok := s.Store.ResumeKey(key)
	s.mirrorAfter(ok, key, "key.resume")
	return ok
}

func (s *Sync) RotateKey(oldKey string) (*keystore.KeyRecord, bool) {
	next, ok := s.Store.RotateKey(oldKey)
	if ok {
		s.mirrorAfter(true, oldKey, "key.rotate.old")
		s.mirrorAfter(true, next.Key, "key.rotate.new")
	}
	return next, ok
}

func (s *Sync) SetACL(key string, allowed, denied []string) bool {
	ok := s.Store.SetACL(key, allowed, denied)
	s.mirrorAfter(ok, key, "key.acl")
	return ok
}

func (s *Sync) SetExpiry(key string, expiresAt *time.Time) bool {
	ok := s.Store.SetExpiry(key, expiresAt)
	s.mirrorAfter(ok, key, "key.expiry")
	return ok
}

func (s *Sync) SetQuota(key string, quota *keystore.Quota) bool {
	ok := s.Store.SetQuota(key, quota)
	s.mirrorAfter(ok, key, "key.quota")
	return ok
}

func (s *Sync) SetTags(key string, tags map[string]string) bool {
	ok := s.Store.SetTags(key, tags)
	s.mirrorAfter(ok, key, "key.tags")
	return ok
}

func (s *Sync) SetIPAllowlist(key string, ips []string) bool {
	ok := s.Store.SetIPAllowlist(key, ips)
	s.mirrorAfter(ok, key, "key.ip")
	return ok
}

func (s *Sync) SetSpendingLimit(key string, limit *int64) bool {
	ok := s.Store.SetSpendingLimit(key, limit)
	s.mirrorAfter(ok, key, "key.spendingLimit")
	return ok
}

func (s *Sync) Close() {
	_ = s.client.Close()
	s.Store.Close()
}
