package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/dojang/pkg/models"
)

// ProfileParams holds the editable fields of a profile.
type ProfileParams struct {
	Name         string
	BeltLevel    int
	LearningMode models.LearningMode
}

func (p *ProfileParams) validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.BeltLevel < 1 {
		return fmt.Errorf("belt level must be at least 1, got %d", p.BeltLevel)
	}
	if p.LearningMode == "" {
		p.LearningMode = models.ModeProgression
	}
	if !p.LearningMode.Valid() {
		return fmt.Errorf("unknown learning mode %q", p.LearningMode)
	}
	return nil
}

// CreateProfile registers a new profile with a fresh id.
func (e *Engine) CreateProfile(ctx context.Context, params ProfileParams) (models.Profile, error) {
	if err := params.validate(); err != nil {
		return models.Profile{}, err
	}
	p := models.Profile{
		ID:           uuid.NewString(),
		Name:         params.Name,
		BeltLevel:    params.BeltLevel,
		LearningMode: params.LearningMode,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.profiles.CreateProfile(ctx, p); err != nil {
		return models.Profile{}, models.WrapPersistence("create profile", err)
	}
	e.log.Info("profile created", "profile_id", p.ID, "belt_level", p.BeltLevel, "mode", p.LearningMode)
	return p, nil
}

// GetProfile returns one profile.
func (e *Engine) GetProfile(ctx context.Context, profileID string) (models.Profile, error) {
	p, err := e.profiles.GetProfile(ctx, profileID)
	if err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return models.Profile{}, err
		}
		return models.Profile{}, models.WrapPersistence("get profile", err)
	}
	return p, nil
}

// ListProfiles returns every profile.
func (e *Engine) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	ps, err := e.profiles.ListProfiles(ctx)
	if err != nil {
		return nil, models.WrapPersistence("list profiles", err)
	}
	return ps, nil
}

// UpdateProfile changes name, belt or learning mode. The snapshot is
// invalidated because belt progress depends on the active belt.
func (e *Engine) UpdateProfile(ctx context.Context, profileID string, params ProfileParams) (models.Profile, error) {
	if err := params.validate(); err != nil {
		return models.Profile{}, err
	}
	p, err := e.GetProfile(ctx, profileID)
	if err != nil {
		return models.Profile{}, err
	}
	p.Name = params.Name
	p.BeltLevel = params.BeltLevel
	p.LearningMode = params.LearningMode
	if err := e.profiles.UpdateProfile(ctx, p); err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return models.Profile{}, err
		}
		return models.Profile{}, models.WrapPersistence("update profile", err)
	}
	e.cache.Invalidate(profileID)
	return p, nil
}

// ActivateProfile stamps the profile as last used. Activation is not study:
// it never touches the session log and so never extends a streak.
func (e *Engine) ActivateProfile(ctx context.Context, profileID string) (models.Profile, error) {
	p, err := e.GetProfile(ctx, profileID)
	if err != nil {
		return models.Profile{}, err
	}
	now := e.now().UTC()
	p.LastActiveAt = &now
	if err := e.profiles.UpdateProfile(ctx, p); err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return models.Profile{}, err
		}
		return models.Profile{}, models.WrapPersistence("activate profile", err)
	}
	return p, nil
}

// DeleteProfile removes the profile, its card states and its cached snapshot.
// The study session log is append-only and is kept. Other profiles are not
// touched.
func (e *Engine) DeleteProfile(ctx context.Context, profileID string) error {
	if err := e.profiles.DeleteProfile(ctx, profileID); err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return err
		}
		return models.WrapPersistence("delete profile", err)
	}
	return e.purge(ctx, profileID)
}

// DeleteProfileData is DeleteProfile without the not-found error: dependent
// state is purged even when the profile row is already gone.
func (e *Engine) DeleteProfileData(ctx context.Context, profileID string) error {
	err := e.profiles.DeleteProfile(ctx, profileID)
	if err != nil && !errors.Is(err, models.ErrProfileNotFound) {
		return models.WrapPersistence("delete profile", err)
	}
	return e.purge(ctx, profileID)
}

func (e *Engine) purge(ctx context.Context, profileID string) error {
	// waits for a review in flight, then rejects new ones
	e.scheduler.Purge(profileID)
	e.cache.Purge(profileID)
	if err := e.store.DeleteCardStates(ctx, profileID); err != nil {
		return models.WrapPersistence("delete card states", err)
	}
	e.log.Info("profile deleted", "profile_id", profileID)
	return nil
}
