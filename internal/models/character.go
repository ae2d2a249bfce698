// internal/models/character.go
package models

import "time"

// Character is a collected story character. Created on first unlock, never
// mutated afterwards; deletable by user action.
type Character struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ImageURL    string    `json:"image_url"`
	CollectedAt time.Time `json:"collected_at"`
}

// NewCharacterInfo describes a character the text generator introduced
// mid-story.
type NewCharacterInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// KnownCharacter is the name/description hint passed to the text generator so
// it does not invent a fresh look for an already collected character.
type KnownCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
