package matchmake

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"go.uber.org/zap"
)

var (
	ErrSelfMatch     = errors.New("cannot accept your own duel")
	ErrAlreadyQueued = errors.New("user already has a waiting duel")
	ErrNotInvited    = errors.New("duel is reserved for another user")
	ErrInvalidArgs   = errors.New("invalid arguments")
)

// Manager finds or creates waiting duel tickets. Accepting is one atomic
// conditional update on the duel record, never a read-then-write, so two
// acceptors racing on a ticket resolve to exactly one match.
type Manager struct {
	store *duel.Store
	ttl   time.Duration
}

func NewManager(store *duel.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{store: store, ttl: ttl}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// CreateTicket inserts a waiting random-matchmaking duel for the requester.
// One live ticket per user.
func (m *Manager) CreateTicket(ctx context.Context, userID, userName, room string, roundsToWin int) (*duel.Duel, error) {
	if strings.TrimSpace(userID) == "" || roundsToWin <= 0 {
		return nil, ErrInvalidArgs
	}
	if existing, err := m.waitingByUser(ctx, userID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyQueued
	}

	d := &duel.Duel{
		InitiatorID:   userID,
		InitiatorName: userName,
		Status:        duel.StatusWaiting,
		RoundsToWin:   roundsToWin,
		Room:          room,
		Settings:      map[string]string{duel.SettingMatchmaking: "1"},
	}
	if err := m.store.Create(ctx, d); err != nil {
		return nil, err
	}
	obslog.L().Info("match_ticket_create",
		zap.Int64("duel_id", d.ID),
		zap.String("user_id", userID),
		zap.String("join_code", d.JoinCode),
	)
	return d, nil
}

// CreateInvite inserts a waiting friend-invite duel, optionally bound to a
// target user. Not listed by FindAvailableTicket.
func (m *Manager) CreateInvite(ctx context.Context, userID, userName, room string, roundsToWin int, targetID, targetName string) (*duel.Duel, error) {
	if strings.TrimSpace(userID) == "" || roundsToWin <= 0 {
		return nil, ErrInvalidArgs
	}
	settings := map[string]string{}
	if strings.TrimSpace(targetID) != "" {
		settings[duel.SettingAwaitingTarget] = "1"
		settings[duel.SettingTargetUserID] = targetID
		settings[duel.SettingTargetUsername] = targetName
	}
	d := &duel.Duel{
		InitiatorID:   userID,
		InitiatorName: userName,
		Status:        duel.StatusWaiting,
		RoundsToWin:   roundsToWin,
		Room:          room,
		Settings:      settings,
	}
	if err := m.store.Create(ctx, d); err != nil {
		return nil, err
	}
	obslog.L().Info("duel_invite_create",
		zap.Int64("duel_id", d.ID),
		zap.String("user_id", userID),
		zap.String("target_id", targetID),
	)
	return d, nil
}

// FindAvailableTicket returns the oldest waiting matchmaking duel the
// requester can join: not their own, younger than the TTL.
func (m *Manager) FindAvailableTicket(ctx context.Context, requester string) (*duel.Duel, error) {
	ids, err := m.store.WaitingIDs(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.store.Clock().Now().Add(-m.ttl)
	var candidates []*duel.Duel
	for _, id := range ids {
		d, gerr := m.store.Get(ctx, id)
		if gerr != nil || d == nil {
			continue
		}
		if d.Status != duel.StatusWaiting || d.OpponentID != "" || !d.IsMatchmaking() {
			continue
		}
		if d.InitiatorID == requester {
			continue
		}
		if d.CreatedAt.Before(cutoff) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

// Accept claims a waiting ticket for the acceptor. The guard (still waiting,
// no opponent) lives inside the store's conditional update; a loser observes
// ErrDuelUnavailable.
func (m *Manager) Accept(ctx context.Context, duelID int64, acceptorID, acceptorName string) (*duel.Duel, error) {
	if strings.TrimSpace(acceptorID) == "" {
		return nil, ErrInvalidArgs
	}
	d, err := m.store.Update(ctx, duelID, func(cur *duel.Duel) error {
		if cur.Status != duel.StatusWaiting || cur.OpponentID != "" {
			return duel.ErrDuelUnavailable
		}
		if cur.InitiatorID == acceptorID {
			return ErrSelfMatch
		}
		if cur.Settings != nil && cur.Settings[duel.SettingAwaitingTarget] == "1" {
			if target := cur.Settings[duel.SettingTargetUserID]; target != "" && target != acceptorID {
				return ErrNotInvited
			}
		}
		cur.OpponentID = acceptorID
		cur.OpponentName = acceptorName
		cur.Status = duel.StatusMatched
		delete(cur.Settings, duel.SettingAwaitingTarget)
		return nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("duel_matched",
		zap.Int64("duel_id", d.ID),
		zap.String("initiator", d.InitiatorID),
		zap.String("opponent", acceptorID),
	)
	return d, nil
}

// AcceptByCode resolves a join code and claims the duel.
func (m *Manager) AcceptByCode(ctx context.Context, code, acceptorID, acceptorName string) (*duel.Duel, error) {
	d, err := m.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, duel.ErrNotFound
	}
	return m.Accept(ctx, d.ID, acceptorID, acceptorName)
}

// CleanupStale cancels waiting matchmaking duels older than the TTL. The
// per-duel cancel is a conditional update, so concurrent and redundant
// cleanup passes are harmless.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	ids, err := m.store.WaitingIDs(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.store.Clock().Now().Add(-m.ttl)
	cancelled := 0
	for _, id := range ids {
		d, gerr := m.store.Get(ctx, id)
		if gerr != nil || d == nil {
			continue
		}
		if d.Status != duel.StatusWaiting || !d.IsMatchmaking() || !d.CreatedAt.Before(cutoff) {
			continue
		}
		_, uerr := m.store.Update(ctx, id, func(cur *duel.Duel) error {
			if cur.Status != duel.StatusWaiting {
				return duel.ErrDuelUnavailable
			}
			now := m.store.Clock().Now().UTC()
			cur.Status = duel.StatusCancelled
			cur.FinishedAt = &now
			return nil
		})
		if uerr == nil {
			cancelled++
		} else if !errors.Is(uerr, duel.ErrDuelUnavailable) && !errors.Is(uerr, duel.ErrNotFound) {
			return cancelled, uerr
		}
	}
	if cancelled > 0 {
		obslog.L().Info("match_cleanup", zap.Int("cancelled", cancelled))
	}
	return cancelled, nil
}

func (m *Manager) waitingByUser(ctx context.Context, userID string) (*duel.Duel, error) {
	duels, err := m.store.DuelsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, d := range duels {
		if d.Status == duel.StatusWaiting && d.InitiatorID == userID && d.IsMatchmaking() {
			return d, nil
		}
	}
	return nil, nil
}
