// Package rtticket issues and verifies the single-use signed tickets that
// authenticate realtime gateway connections. Wire format:
// base64url(json payload) + "." + hex(hmac_sha256(payload, secret)).
package rtticket

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalid     = errors.New("invalid ticket")
	ErrExpired     = errors.New("ticket expired")
	ErrAlreadyUsed = errors.New("ticket already used")
)

const clockSkew = 30 * time.Second

// Payload is the signed ticket body.
type Payload struct {
	DuelID   int64  `json:"duel_id"`
	UserID   string `json:"user_id"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
	Nonce    string `json:"jti"`
}

// Issuer signs tickets and tracks consumed nonces. The consumed cache keeps
// each jti only until its own expiry, so it prunes itself.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	rdb    *redis.Client
	clock  clockwork.Clock
}

func NewIssuer(secret string, ttl time.Duration, rdb *redis.Client) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		rdb:    rdb,
		clock:  clockwork.NewRealClock(),
	}
}

// NewIssuerWithClock is used by tests to drive time explicitly.
func NewIssuerWithClock(secret string, ttl time.Duration, rdb *redis.Client, clock clockwork.Clock) *Issuer {
	i := NewIssuer(secret, ttl, rdb)
	i.clock = clock
	return i
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue creates a ticket authorizing one socket connection for one duel.
func (i *Issuer) Issue(duelID int64, userID string) (string, error) {
	if duelID <= 0 || strings.TrimSpace(userID) == "" {
		return "", ErrInvalid
	}
	now := i.clock.Now()
	p := Payload{
		DuelID:   duelID,
		UserID:   userID,
		IssuedAt: now.Unix(),
		Expires:  now.Add(i.ttl).Unix(),
		Nonce:    uuid.NewString(),
	}
	raw, err := json.Marshal(&p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw) + "." + hex.EncodeToString(i.sign(raw)), nil
}

// Verify checks signature and validity window without consuming the nonce.
func (i *Issuer) Verify(ticket string) (*Payload, error) {
	dot := strings.LastIndexByte(ticket, '.')
	if dot <= 0 || dot == len(ticket)-1 {
		return nil, ErrInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(ticket[:dot])
	if err != nil {
		return nil, ErrInvalid
	}
	sig, err := hex.DecodeString(ticket[dot+1:])
	if err != nil {
		return nil, ErrInvalid
	}
	if !hmac.Equal(sig, i.sign(raw)) {
		return nil, ErrInvalid
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalid
	}
	if p.DuelID <= 0 || strings.TrimSpace(p.UserID) == "" || p.Nonce == "" {
		return nil, ErrInvalid
	}
	now := i.clock.Now()
	if p.IssuedAt > now.Add(clockSkew).Unix() {
		return nil, ErrInvalid
	}
	if p.Expires < now.Unix() {
		return nil, ErrExpired
	}
	return &p, nil
}

// Consume verifies the ticket and burns its nonce. The second consumer of
// the same ticket observes ErrAlreadyUsed.
func (i *Issuer) Consume(ctx context.Context, ticket string) (*Payload, error) {
	p, err := i.Verify(ticket)
	if err != nil {
		return nil, err
	}
	ttl := time.Unix(p.Expires, 0).Sub(i.clock.Now())
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := i.rdb.SetNX(ctx, "rt:jti:"+p.Nonce, 1, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyUsed
	}
	return p, nil
}

func (i *Issuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
