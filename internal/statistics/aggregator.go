// Package statistics turns a profile's flat study history into a ProgressSnapshot.
package statistics

import (
	"fmt"
	"sort"
	"time"

	"github.com/example/dojang/internal/spaced_repetition"
	"github.com/example/dojang/pkg/models"
)

const (
	weeklyBuckets  = 7
	monthlyBuckets = 12
)

// History is everything the aggregator reads for one profile. It is a
// materialised copy: the aggregator never calls back into a store.
type History struct {
	Profile   models.Profile
	Sessions  []models.StudySessionRecord
	States    []models.CardState
	BeltItems []models.ItemMetadata
}

// Aggregator computes snapshots. It holds no state besides its settings and is
// safe for concurrent use.
type Aggregator struct {
	loc *time.Location
	ttl time.Duration
}

// NewAggregator creates an aggregator bucketing calendar days in loc.
func NewAggregator(loc *time.Location, ttl time.Duration) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{loc: loc, ttl: ttl}
}

// Location returns the time zone used for calendar days.
func (a *Aggregator) Location() *time.Location { return a.loc }

// ComputeSnapshot aggregates h as of asOf. Identical input yields an identical
// snapshot. Only completed sessions are counted.
func (a *Aggregator) ComputeSnapshot(h History, asOf time.Time) (models.ProgressSnapshot, error) {
	profileID := h.Profile.ID
	if err := validate(h); err != nil {
		return models.ProgressSnapshot{}, err
	}

	// Records ending after asOf belong to a later snapshot.
	generatedAt := asOf
	completed := make([]models.StudySessionRecord, 0, len(h.Sessions))
	for _, rec := range h.Sessions {
		if !rec.Completed() || rec.EndTime.After(asOf) {
			continue
		}
		completed = append(completed, rec)
	}
	sort.Slice(completed, func(i, j int) bool {
		if !completed[i].EndTime.Equal(*completed[j].EndTime) {
			return completed[i].EndTime.Before(*completed[j].EndTime)
		}
		return completed[i].ID < completed[j].ID
	})

	snap := models.ProgressSnapshot{
		ProfileID:    profileID,
		GeneratedAt:  generatedAt,
		TTLExpiresAt: generatedAt.Add(a.ttl),
		Overall:      sum(completed, func(models.StudySessionRecord) bool { return true }),
		PerType:      perType(completed),
		Weekly:       a.weekly(completed, generatedAt),
		Monthly:      a.monthly(completed, generatedAt),
		BeltProgress: beltProgress(h.Profile.BeltLevel, h.BeltItems, h.States),
		Streak:       a.streak(completed, generatedAt),
	}
	return snap, nil
}

// Accuracy is correct / (correct + incorrect), zero when nothing was answered.
func Accuracy(correct, incorrect int) float64 {
	total := correct + incorrect
	if total <= 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

func validate(h History) error {
	for _, rec := range h.Sessions {
		switch {
		case rec.ProfileID != h.Profile.ID:
			return fmt.Errorf("%w: session %s belongs to profile %s", models.ErrMalformedRecord, rec.ID, rec.ProfileID)
		case !rec.SessionType.Valid():
			return fmt.Errorf("%w: session %s has type %q", models.ErrMalformedRecord, rec.ID, rec.SessionType)
		case rec.ItemsStudied < 0 || rec.CorrectCount < 0 || rec.IncorrectCount < 0:
			return fmt.Errorf("%w: session %s has negative counts", models.ErrMalformedRecord, rec.ID)
		case rec.CorrectCount+rec.IncorrectCount > rec.ItemsStudied:
			return fmt.Errorf("%w: session %s answered more items than it studied", models.ErrMalformedRecord, rec.ID)
		case rec.EndTime != nil && rec.EndTime.Before(rec.StartTime):
			return fmt.Errorf("%w: session %s ends before it starts", models.ErrMalformedRecord, rec.ID)
		}
	}
	for _, st := range h.States {
		if st.ProfileID != h.Profile.ID {
			return fmt.Errorf("%w: card state %s belongs to profile %s", models.ErrMalformedRecord, st.ItemID, st.ProfileID)
		}
	}
	return nil
}

func sum(sessions []models.StudySessionRecord, keep func(models.StudySessionRecord) bool) models.OverallStats {
	var s models.OverallStats
	for _, rec := range sessions {
		if !keep(rec) {
			continue
		}
		s.Sessions++
		s.StudyTime += rec.Duration()
		s.ItemsStudied += rec.ItemsStudied
		s.Correct += rec.CorrectCount
		s.Incorrect += rec.IncorrectCount
	}
	s.Accuracy = Accuracy(s.Correct, s.Incorrect)
	return s
}

var sessionTypes = []models.SessionType{models.SessionFlashcard, models.SessionTest, models.SessionPattern}

func perType(sessions []models.StudySessionRecord) []models.TypeBreakdown {
	out := make([]models.TypeBreakdown, 0, len(sessionTypes))
	for _, typ := range sessionTypes {
		out = append(out, models.TypeBreakdown{
			SessionType: typ,
			Stats:       sum(sessions, func(r models.StudySessionRecord) bool { return r.SessionType == typ }),
		})
	}
	return out
}

// weekly returns one bucket per calendar day for the seven days ending on asOf's day.
func (a *Aggregator) weekly(sessions []models.StudySessionRecord, asOf time.Time) []models.TimeBucket {
	y, m, d := asOf.In(a.loc).Date()
	first := time.Date(y, m, d-(weeklyBuckets-1), 0, 0, 0, 0, a.loc)
	buckets := make([]models.TimeBucket, weeklyBuckets)
	for i := range buckets {
		buckets[i].Start = first.AddDate(0, 0, i)
	}
	firstDay := a.dayIndex(first)
	for _, rec := range sessions {
		i := int(a.dayIndex(*rec.EndTime) - firstDay)
		if i >= 0 && i < weeklyBuckets {
			add(&buckets[i], rec)
		}
	}
	return finish(buckets)
}

// monthly returns one bucket per calendar month for the twelve months ending on asOf's month.
func (a *Aggregator) monthly(sessions []models.StudySessionRecord, asOf time.Time) []models.TimeBucket {
	y, m, _ := asOf.In(a.loc).Date()
	first := time.Date(y, m-(monthlyBuckets-1), 1, 0, 0, 0, 0, a.loc)
	buckets := make([]models.TimeBucket, monthlyBuckets)
	for i := range buckets {
		buckets[i].Start = first.AddDate(0, i, 0)
	}
	firstMonth := monthIndex(first)
	for _, rec := range sessions {
		i := monthIndex(rec.EndTime.In(a.loc)) - firstMonth
		if i >= 0 && i < monthlyBuckets {
			add(&buckets[i], rec)
		}
	}
	return finish(buckets)
}

func add(b *models.TimeBucket, rec models.StudySessionRecord) {
	b.Sessions++
	b.Correct += rec.CorrectCount
	b.Incorrect += rec.IncorrectCount
}

func finish(buckets []models.TimeBucket) []models.TimeBucket {
	for i := range buckets {
		buckets[i].Accuracy = Accuracy(buckets[i].Correct, buckets[i].Incorrect)
	}
	return buckets
}

func monthIndex(t time.Time) int {
	y, m, _ := t.Date()
	return y*12 + int(m) - 1
}

// dayIndex numbers calendar days in a.loc. Noon UTC keeps DST shifts from
// moving a day across a boundary.
func (a *Aggregator) dayIndex(t time.Time) int64 {
	y, m, d := t.In(a.loc).Date()
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC).Unix() / 86400
}

// streak counts runs of calendar days holding at least one completed session.
// The current run must end today or yesterday.
func (a *Aggregator) streak(sessions []models.StudySessionRecord, asOf time.Time) models.Streak {
	if len(sessions) == 0 {
		return models.Streak{}
	}
	seen := make(map[int64]struct{}, len(sessions))
	days := make([]int64, 0, len(sessions))
	for _, rec := range sessions {
		d := a.dayIndex(*rec.EndTime)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	var st models.Streak
	run := 0
	for i, d := range days {
		if i > 0 && d == days[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > st.Longest {
			st.Longest = run
		}
	}

	today := a.dayIndex(asOf)
	if last := days[len(days)-1]; last == today || last == today-1 {
		st.Current = run
	}
	return st
}

func beltProgress(belt int, items []models.ItemMetadata, states []models.CardState) models.BeltProgress {
	mastered := make(map[string]bool, len(states))
	for _, st := range states {
		mastered[st.ItemID] = spaced_repetition.IsMastered(st)
	}

	bp := models.BeltProgress{BeltLevel: belt}
	cats := make(map[string]*models.CategoryProgress)
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.BeltLevel != belt {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		c, ok := cats[it.Category]
		if !ok {
			c = &models.CategoryProgress{Category: it.Category}
			cats[it.Category] = c
		}
		bp.TotalItems++
		c.TotalItems++
		if mastered[it.ID] {
			bp.MasteredItems++
			c.MasteredItems++
		}
	}
	bp.Percent = percent(bp.MasteredItems, bp.TotalItems)

	bp.Categories = make([]models.CategoryProgress, 0, len(cats))
	for _, c := range cats {
		c.Percent = percent(c.MasteredItems, c.TotalItems)
		bp.Categories = append(bp.Categories, *c)
	}
	sort.Slice(bp.Categories, func(i, j int) bool { return bp.Categories[i].Category < bp.Categories[j].Category })
	return bp
}

// percent is mastered / total * 100, zero for an empty belt.
func percent(mastered, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(mastered) / float64(total) * 100
}
