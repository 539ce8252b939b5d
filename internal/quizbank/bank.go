// Package quizbank supplies quiz questions for duel rounds from an embedded
// YAML set, with optional override files for operators who bring their own
// question pool.
package quizbank

import (
	"context"
	"embed"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	yaml "gopkg.in/yaml.v3"
)

//go:embed questions.ko.yaml
var defaultFiles embed.FS

// Option is one selectable answer.
type Option struct {
	ID   int64  `yaml:"id"`
	Text string `yaml:"text"`
}

// Entry is one question as authored in the pool.
type Entry struct {
	ID           int64    `yaml:"id"`
	Text         string   `yaml:"text"`
	Options      []Option `yaml:"options"`
	CorrectID    int64    `yaml:"correct_id"`
	TimeLimitSec int      `yaml:"time_limit_sec"`
}

// Bank picks questions deterministically per duel: the sequence for a duel id
// is a rotation of the pool, so the same duel never sees a repeat until the
// pool is exhausted.
type Bank struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[int64]*Entry
}

func New(overrideDir string) (*Bank, error) {
	b := &Bank{byID: make(map[int64]*Entry)}
	raw, err := fs.ReadFile(defaultFiles, "questions.ko.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded questions: %w", err)
	}
	if err := b.applyYAML(raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := b.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	if len(b.entries) == 0 {
		return nil, fmt.Errorf("question pool is empty")
	}
	return b, nil
}

func (b *Bank) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read question dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := b.applyYAML(raw); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

func (b *Bank) applyYAML(raw []byte) error {
	var doc struct {
		Questions []Entry `yaml:"questions"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range doc.Questions {
		q := doc.Questions[i]
		if q.ID <= 0 || strings.TrimSpace(q.Text) == "" || len(q.Options) < 2 {
			return fmt.Errorf("malformed question id=%d", q.ID)
		}
		valid := false
		for _, opt := range q.Options {
			if opt.ID == q.CorrectID {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("question %d: correct_id %d not among options", q.ID, q.CorrectID)
		}
		if _, dup := b.byID[q.ID]; dup {
			// overrides replace embedded entries with the same id
			for j := range b.entries {
				if b.entries[j].ID == q.ID {
					b.entries[j] = q
					break
				}
			}
		} else {
			b.entries = append(b.entries, q)
		}
	}
	// byID must point into the final slice after any growth reallocations
	for i := range b.entries {
		b.byID[b.entries[i].ID] = &b.entries[i]
	}
	return nil
}

// Next implements duel.QuestionBank.
func (b *Bank) Next(ctx context.Context, duelID int64, roundNumber int) (*duel.Question, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.entries)
	if n == 0 {
		return nil, fmt.Errorf("question pool is empty")
	}
	idx := (duelOffset(duelID) + roundNumber - 1) % n
	e := b.entries[idx]
	q := &duel.Question{
		ID:           e.ID,
		Text:         e.Text,
		CorrectID:    e.CorrectID,
		TimeLimitSec: e.TimeLimitSec,
	}
	for _, opt := range e.Options {
		q.OptionIDs = append(q.OptionIDs, opt.ID)
	}
	return q, nil
}

// Get returns the full entry for rendering option texts.
func (b *Bank) Get(questionID int64) (*Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.byID[questionID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Size reports the pool size.
func (b *Bank) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func duelOffset(duelID int64) int {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(duelID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum32() & 0x7fffffff)
}
