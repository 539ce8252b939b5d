package duel

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	ttlDuel = 24 * time.Hour

	// casAttempts bounds optimistic retries when a concurrent writer wins
	// the WATCH race. The mutation closures are idempotent, so retrying on
	// fresh state is safe.
	casAttempts = 5
)

// Store is the single source of truth for duels. Every read-then-write goes
// through a WATCH-guarded conditional update keyed on the duel record.
type Store struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, clock: clockwork.NewRealClock()}
}

// NewStoreWithClock is used by tests to drive time explicitly.
func NewStoreWithClock(rdb *redis.Client, clock clockwork.Clock) *Store {
	return &Store{rdb: rdb, clock: clock}
}

func (s *Store) Clock() clockwork.Clock { return s.clock }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Redis returns the underlying client for collaborators sharing the
// connection (signal bus, delivery lease, ticket cache).
func (s *Store) Redis() *redis.Client { return s.rdb }

func keyDuel(id int64) string      { return "duel:" + strconv.FormatInt(id, 10) }
func keyCode(code string) string   { return "duel:index:code:" + strings.TrimSpace(code) }
func keyUserIdx(uid string) string { return "duel:index:user:" + strings.TrimSpace(uid) }
func keyWaiting() string           { return "duel:index:waiting" }
func keyActive() string            { return "duel:index:active" }

// errNoSave lets an Update closure declare the operation a no-op: the write
// is skipped, UpdatedAt stays put, and the current record is returned.
var errNoSave = errors.New("duel: no state change")

const keySeq = "duel:seq"

// Create allocates an id and a unique join code, persists the duel and its
// indexes. The code index is claimed with SetNX so two creators can never
// share a live code.
func (s *Store) Create(ctx context.Context, d *Duel) error {
	if d == nil || strings.TrimSpace(d.InitiatorID) == "" {
		return ErrInvalidArgs
	}
	id, err := s.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return err
	}
	d.ID = id
	now := s.clock.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusWaiting
	}

	for i := 0; i < 5; i++ {
		code, err := joinCode()
		if err != nil {
			return err
		}
		ok, err := s.rdb.SetNX(ctx, keyCode(code), id, ttlDuel).Result()
		if err != nil {
			return err
		}
		if ok {
			d.JoinCode = code
			break
		}
	}
	if d.JoinCode == "" {
		return fmt.Errorf("failed to allocate join code")
	}

	if err := s.save(ctx, d); err != nil {
		return err
	}
	if err := s.indexUser(ctx, d.InitiatorID, id); err != nil {
		return err
	}
	if !d.Status.Terminal() {
		if err := s.rdb.SAdd(ctx, keyActive(), id).Err(); err != nil {
			return err
		}
	}
	if d.Status == StatusWaiting && d.IsMatchmaking() {
		if err := s.rdb.SAdd(ctx, keyWaiting(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a duel by id; (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id int64) (*Duel, error) {
	raw, err := s.rdb.Get(ctx, keyDuel(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d Duel
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetByCode resolves a live join code. Codes of finished/cancelled duels are
// dropped from the index, so a stale hit is treated as absent.
func (s *Store) GetByCode(ctx context.Context, code string) (*Duel, error) {
	raw, err := s.rdb.Get(ctx, keyCode(code)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	d, err := s.Get(ctx, id)
	if err != nil || d == nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, nil
	}
	return d, nil
}

// DuelsByUser returns every indexed duel for a user, unfiltered.
func (s *Store) DuelsByUser(ctx context.Context, userID string) ([]*Duel, error) {
	ids, err := s.rdb.SMembers(ctx, keyUserIdx(userID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*Duel
	for _, raw := range ids {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		d, gerr := s.Get(ctx, id)
		if gerr != nil || d == nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ActiveIDs lists every non-terminal duel. Used to respawn watchers after a
// restart.
func (s *Store) ActiveIDs(ctx context.Context) ([]int64, error) {
	raws, err := s.rdb.SMembers(ctx, keyActive()).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raws))
	for _, raw := range raws {
		if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WaitingIDs lists duels currently in the matchmaking index.
func (s *Store) WaitingIDs(ctx context.Context) ([]int64, error) {
	raws, err := s.rdb.SMembers(ctx, keyWaiting()).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raws))
	for _, raw := range raws {
		if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Update applies fn to the current duel state under a WATCH transaction and
// persists the mutated record. fn errors abort without writing; the WATCH
// race is retried a bounded number of times on fresh state.
func (s *Store) Update(ctx context.Context, id int64, fn func(d *Duel) error) (*Duel, error) {
	key := keyDuel(id)
	var out *Duel
	for attempt := 0; attempt < casAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var cur Duel
			if jerr := json.Unmarshal(raw, &cur); jerr != nil {
				return jerr
			}
			if err := fn(&cur); err != nil {
				if errors.Is(err, errNoSave) {
					out = &cur
					return nil
				}
				return err
			}
			cur.UpdatedAt = s.clock.Now().UTC()
			newRaw, merr := json.Marshal(&cur)
			if merr != nil {
				return merr
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, ttlDuel)
			if _, perr := pipe.Exec(ctx); perr != nil {
				return perr
			}
			out = &cur
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.postUpdate(ctx, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, redis.TxFailedErr
}

// postUpdate keeps secondary indexes consistent with the committed state.
// Index writes are idempotent, so redundant calls are harmless.
func (s *Store) postUpdate(ctx context.Context, d *Duel) error {
	if d == nil {
		return nil
	}
	if d.Status != StatusWaiting {
		_ = s.rdb.SRem(ctx, keyWaiting(), d.ID).Err()
	}
	if d.OpponentID != "" {
		if err := s.indexUser(ctx, d.OpponentID, d.ID); err != nil {
			return err
		}
	}
	if d.Status.Terminal() {
		_ = s.rdb.SRem(ctx, keyActive(), d.ID).Err()
		if d.JoinCode != "" {
			// free the code for reuse once the duel can no longer be joined
			_ = s.rdb.Del(ctx, keyCode(d.JoinCode)).Err()
		}
	}
	return nil
}

func (s *Store) save(ctx context.Context, d *Duel) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyDuel(d.ID), raw, ttlDuel).Err()
}

func (s *Store) indexUser(ctx context.Context, userID string, id int64) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	key := keyUserIdx(userID)
	if err := s.rdb.SAdd(ctx, key, id).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, ttlDuel).Err()
}

// joinCode returns a 6-digit human-shareable code.
func joinCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = '0' + b[i]%10
	}
	return string(b), nil
}

// ParseRedisURL converts REDIS_URL into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
