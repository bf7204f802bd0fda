// Package quiz builds multiple-choice tests over a profile's study pool and
// records the graded answers as a test session.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/example/dojang/internal/engine"
	"github.com/example/dojang/internal/spaced_repetition"
	"github.com/example/dojang/pkg/models"
)

// DefaultOptionCount is the number of choices per question, the correct one included.
const DefaultOptionCount = 4

// ErrEmptyPool is returned when the profile has nothing to be tested on.
var ErrEmptyPool = errors.New("no items to build a test from")

// Engine is the part of the engine a quiz needs.
type Engine interface {
	SelectSession(ctx context.Context, profileID string, count int) (spaced_repetition.Selection, error)
	StudyPool(ctx context.Context, profileID string) ([]models.ItemMetadata, error)
	CompleteSession(ctx context.Context, res engine.SessionResult) (models.StudySessionRecord, error)
}

// Question is a single multiple-choice question
type Question struct {
	Item         models.ItemMetadata // The item being tested
	Options      []string            // Possible translations
	CorrectIndex int                 // Index of the correct answer in Options
}

// Test is a generated test waiting for answers.
type Test struct {
	ProfileID string
	StartedAt time.Time
	Questions []Question
}

// Builder creates tests. Rand and Now may be replaced for deterministic output.
type Builder struct {
	engine      Engine
	optionCount int
	Rand        *rand.Rand
	Now         func() time.Time
}

// NewBuilder returns a builder using optionCount choices per question; zero
// picks DefaultOptionCount.
func NewBuilder(e Engine, optionCount int) *Builder {
	if optionCount < 2 {
		optionCount = DefaultOptionCount
	}
	return &Builder{
		engine:      e,
		optionCount: optionCount,
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		Now:         time.Now,
	}
}

// CreateTest picks questionCount items the way a study session would and
// builds a question for each.
func (b *Builder) CreateTest(ctx context.Context, profileID string, questionCount int) (*Test, error) {
	pool, err := b.engine.StudyPool(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	sel, err := b.engine.SelectSession(ctx, profileID, questionCount)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.ItemMetadata, len(pool))
	for _, it := range pool {
		byID[it.ID] = it
	}

	test := &Test{ProfileID: profileID, StartedAt: b.Now(), Questions: make([]Question, 0, len(sel.Items))}
	for _, id := range sel.Items {
		it, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("selected item %s is not in the study pool", id)
		}
		test.Questions = append(test.Questions, b.question(it, pool))
	}
	return test, nil
}

func (b *Builder) question(it models.ItemMetadata, pool []models.ItemMetadata) Question {
	options := append(b.distractors(it, pool, b.optionCount-1), it.Translation)
	correct := len(options) - 1
	b.Rand.Shuffle(len(options), func(i, j int) {
		switch correct {
		case i:
			correct = j
		case j:
			correct = i
		}
		options[i], options[j] = options[j], options[i]
	})
	return Question{Item: it, Options: options, CorrectIndex: correct}
}

// distractors takes wrong translations from the same category first, then
// from the rest of the pool. Duplicated translations are offered once.
func (b *Builder) distractors(it models.ItemMetadata, pool []models.ItemMetadata, count int) []string {
	var same, other []string
	seen := map[string]bool{it.Translation: true}
	for _, w := range pool {
		if w.ID == it.ID || seen[w.Translation] {
			continue
		}
		seen[w.Translation] = true
		if w.Category == it.Category {
			same = append(same, w.Translation)
		} else {
			other = append(other, w.Translation)
		}
	}
	b.shuffle(same)
	b.shuffle(other)

	options := make([]string, 0, count)
	for _, group := range [][]string{same, other} {
		for _, o := range group {
			if len(options) == count {
				return options
			}
			options = append(options, o)
		}
	}
	return options
}

func (b *Builder) shuffle(s []string) {
	sort.Strings(s)
	b.Rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// Grade turns chosen option indexes into answers. A negative choice skips the
// question.
func (t *Test) Grade(choices []int) ([]engine.Answer, error) {
	if len(choices) != len(t.Questions) {
		return nil, fmt.Errorf("got %d answers for %d questions", len(choices), len(t.Questions))
	}
	answers := make([]engine.Answer, len(choices))
	for i, c := range choices {
		q := t.Questions[i]
		outcome := models.OutcomeIncorrect
		switch {
		case c < 0:
			outcome = models.OutcomeSkip
		case c >= len(q.Options):
			return nil, fmt.Errorf("answer %d: option %d out of range", i+1, c)
		case c == q.CorrectIndex:
			outcome = models.OutcomeCorrect
		}
		answers[i] = engine.Answer{ItemID: q.Item.ID, Outcome: outcome}
	}
	return answers, nil
}

// Submit grades the choices and records them as one test session.
func (b *Builder) Submit(ctx context.Context, t *Test, choices []int) (models.StudySessionRecord, error) {
	answers, err := t.Grade(choices)
	if err != nil {
		return models.StudySessionRecord{}, err
	}
	return b.engine.CompleteSession(ctx, engine.SessionResult{
		ProfileID:   t.ProfileID,
		SessionType: models.SessionTest,
		StartTime:   t.StartedAt,
		EndTime:     b.Now(),
		Answers:     answers,
	})
}
