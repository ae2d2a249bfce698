// internal/services/character_service.go
package services

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/models"
	"github.com/Corphon/StoryWeaver/internal/storage"
)

const (
	charactersDir  = "characters"
	charactersFile = "collection.json"
)

// CharacterService owns the collected-character registry and resolves
// character identity. Matching is deliberately fuzzy (case-insensitive
// substring containment either direction) so the text generator naming
// "Benny" and "Benny the Gummy Bear" resolves to one character.
type CharacterService struct {
	storage *storage.FileStorage
	mu      sync.Mutex
}

// NewCharacterService creates a character service backed by file storage.
func NewCharacterService(store *storage.FileStorage) *CharacterService {
	return &CharacterService{storage: store}
}

// List returns all collected characters, newest first.
func (s *CharacterService) List() ([]models.Character, error) {
	if !s.storage.FileExists(charactersDir, charactersFile) {
		return []models.Character{}, nil
	}

	var characters []models.Character
	if err := s.storage.LoadJSONFile(charactersDir, charactersFile, &characters); err != nil {
		return nil, apperrors.NewProcessingError("failed to load character collection", err)
	}
	return characters, nil
}

// Unlock registers a newly discovered character and returns it. The new
// character is prepended so the collection stays newest-first.
func (s *CharacterService) Unlock(name, description, imageURL string) (*models.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	characters, err := s.List()
	if err != nil {
		return nil, err
	}

	character := models.Character{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		ImageURL:    imageURL,
		CollectedAt: time.Now(),
	}

	characters = append([]models.Character{character}, characters...)
	if err := s.storage.SaveJSONFile(charactersDir, charactersFile, characters); err != nil {
		return nil, apperrors.NewProcessingError("failed to save character collection", err)
	}

	logrus.WithFields(logrus.Fields{"id": character.ID, "name": character.Name}).
		Info("character unlocked")

	return &character, nil
}

// Delete removes a character from the collection by id.
func (s *CharacterService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	characters, err := s.List()
	if err != nil {
		return err
	}

	kept := characters[:0]
	found := false
	for _, c := range characters {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return apperrors.NewNotFoundError(fmt.Sprintf("character not found: %s", id), nil)
	}

	if err := s.storage.SaveJSONFile(charactersDir, charactersFile, kept); err != nil {
		return apperrors.NewProcessingError("failed to save character collection", err)
	}
	return nil
}

// GetByIDs returns the characters matching the given ids, preserving the
// order of the id list and skipping unknown ids.
func (s *CharacterService) GetByIDs(ids []string, registry []models.Character) []models.Character {
	byID := make(map[string]models.Character, len(registry))
	for _, c := range registry {
		byID[c.ID] = c
	}

	var result []models.Character
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			result = append(result, c)
		}
	}
	return result
}

// NamesMatch reports whether two character names identify the same character
// under the relaxed rule: normalized equality or substring containment in
// either direction.
func NamesMatch(a, b string) bool {
	na := strings.ToLower(strings.TrimSpace(a))
	nb := strings.ToLower(strings.TrimSpace(b))
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}

// FindMatch returns the first registry character whose name matches the
// candidate under the relaxed rule, or nil.
func FindMatch(name string, registry []models.Character) *models.Character {
	for i := range registry {
		if NamesMatch(name, registry[i].Name) {
			return &registry[i]
		}
	}
	return nil
}

// FindInPrompt returns registry characters whose names appear in the prompt
// text. Prompt scanning requires a word-boundary match so "Cat" does not hit
// inside "Catherine".
func FindInPrompt(prompt string, registry []models.Character) []models.Character {
	promptLower := strings.ToLower(prompt)

	var found []models.Character
	for _, c := range registry {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			continue
		}
		pattern, err := regexp.Compile(`\b` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			continue
		}
		if pattern.MatchString(promptLower) {
			found = append(found, c)
		}
	}
	return found
}
