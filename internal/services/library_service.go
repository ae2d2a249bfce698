// internal/services/library_service.go
package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/models"
	"github.com/Corphon/StoryWeaver/internal/storage"
)

const (
	libraryDir  = "library"
	libraryFile = "stories.json"
)

// LibraryService persists completed social stories so they can be replayed
// without regenerating.
type LibraryService struct {
	storage *storage.FileStorage
	mu      sync.Mutex
}

// NewLibraryService creates a library backed by the given storage.
func NewLibraryService(fs *storage.FileStorage) *LibraryService {
	return &LibraryService{storage: fs}
}

// Save stores a completed story and returns the persisted record. The first
// scene image becomes the thumbnail.
func (s *LibraryService) Save(state *models.SocialStoryState, cfg models.SocialStoryConfig, template *models.SocialStoryTemplate, custom *models.CustomScenarioInput) (*models.SavedSocialStory, error) {
	if state == nil || !state.IsComplete {
		return nil, apperrors.NewValidationError("only completed stories can be saved", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stories, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	saved := models.SavedSocialStory{
		ID:                uuid.NewString(),
		ChildName:         cfg.ChildName,
		CreatedAt:         now,
		LastViewed:        now,
		Scenes:            state.Scenes,
		ChildCharacterRef: state.ChildCharacterRef,
		PeopleRefs:        state.PeopleRefs,
	}
	if template != nil {
		saved.TemplateID = template.ID
	}
	if custom != nil {
		saved.CustomTitle = custom.Title
	}
	if len(state.Scenes) > 0 {
		saved.Thumbnail = state.Scenes[0].ImageURL
	}

	stories = append(stories, saved)
	if err := s.storage.SaveJSONFile(libraryDir, libraryFile, stories); err != nil {
		return nil, apperrors.NewProcessingError("failed to save story library", err)
	}

	logrus.WithFields(logrus.Fields{"id": saved.ID, "child": saved.ChildName}).Info("story saved to library")
	return &saved, nil
}

// List returns all saved stories, most recently viewed first.
func (s *LibraryService) List() ([]models.SavedSocialStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stories, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(stories, func(i, j int) bool {
		return stories[i].LastViewed.After(stories[j].LastViewed)
	})
	return stories, nil
}

// Get returns one saved story and stamps its last-viewed time.
func (s *LibraryService) Get(id string) (*models.SavedSocialStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stories, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	for i := range stories {
		if stories[i].ID != id {
			continue
		}
		stories[i].LastViewed = time.Now()
		if err := s.storage.SaveJSONFile(libraryDir, libraryFile, stories); err != nil {
			logrus.WithError(err).Warn("failed to update last-viewed time")
		}
		story := stories[i]
		return &story, nil
	}

	return nil, apperrors.NewNotFoundError(fmt.Sprintf("story not found: %s", id), nil)
}

// Delete removes one saved story.
func (s *LibraryService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stories, err := s.loadAll()
	if err != nil {
		return err
	}

	kept := stories[:0]
	found := false
	for _, story := range stories {
		if story.ID == id {
			found = true
			continue
		}
		kept = append(kept, story)
	}
	if !found {
		return apperrors.NewNotFoundError(fmt.Sprintf("story not found: %s", id), nil)
	}

	if err := s.storage.SaveJSONFile(libraryDir, libraryFile, kept); err != nil {
		return apperrors.NewProcessingError("failed to save story library", err)
	}
	return nil
}

func (s *LibraryService) loadAll() ([]models.SavedSocialStory, error) {
	if !s.storage.FileExists(libraryDir, libraryFile) {
		return []models.SavedSocialStory{}, nil
	}

	var stories []models.SavedSocialStory
	if err := s.storage.LoadJSONFile(libraryDir, libraryFile, &stories); err != nil {
		return nil, apperrors.NewProcessingError("failed to load story library", err)
	}
	return stories, nil
}
