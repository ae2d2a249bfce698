// internal/models/story.go
package models

// StoryConfig is the user-supplied setup for a branching story.
type StoryConfig struct {
	StartingSentence     string   `json:"starting_sentence"`
	ArtStyle             string   `json:"art_style"`
	SelectedCharacterIDs []string `json:"selected_character_ids,omitempty"`
}

// Scene is the structured scene object returned by the text generator for the
// branching flow.
type Scene struct {
	SceneText        string            `json:"scene_text"`
	ImageDescription string            `json:"image_description"`
	CharacterConcept string            `json:"character_concept,omitempty"` // main character, first scene only
	CharacterName    string            `json:"character_name,omitempty"`
	NewCharacter     *NewCharacterInfo `json:"new_character,omitempty"`
	Option1          string            `json:"option_1"`
	Option2          string            `json:"option_2"`
	IsEnding         bool              `json:"is_ending"`
}

// Options returns the non-empty choice texts of the scene.
func (s *Scene) Options() []string {
	var opts []string
	if s.Option1 != "" {
		opts = append(opts, s.Option1)
	}
	if s.Option2 != "" {
		opts = append(opts, s.Option2)
	}
	return opts
}

// StoryStep is an immutable snapshot of one committed story step. The party
// and reference image are captured per step so backward navigation restores
// the exact visual-identity context active at that point.
type StoryStep struct {
	Scene             *Scene   `json:"scene"`
	ImageURL          string   `json:"image_url"`
	DebugPrompt       string   `json:"debug_prompt"`
	ActiveParty       []string `json:"active_party"`
	ReferenceImageURL string   `json:"reference_image_url"`
}

// PrefetchedStep is a speculative step stored in the prefetch cache. The
// fingerprint records the composite reference the cached image was generated
// against; a changed reference invalidates the image, not the text.
type PrefetchedStep struct {
	Step        StoryStep `json:"step"`
	Fingerprint string    `json:"fingerprint"`
}

// StoryState is the complete narrative state of one branching story session.
// history[currentIndex] is always the currently displayed step;
// len(path) == currentIndex (one choice per step after the first).
type StoryState struct {
	CurrentDepth       int                       `json:"current_depth"`
	CurrentIndex       int                       `json:"current_index"`
	Path               []string                  `json:"path"`
	History            []StoryStep               `json:"history"`
	CurrentScene       *Scene                    `json:"current_scene"`
	CurrentImageURL    string                    `json:"current_image_url"`
	CurrentDebugPrompt string                    `json:"current_debug_prompt"`
	ReferenceImageURL  string                    `json:"reference_image_url"`
	ActiveParty        []string                  `json:"active_party"`
	RefDebugPrompt     string                    `json:"ref_debug_prompt"`
	IsEnding           bool                      `json:"is_ending"`
	PrefetchCache      map[string]PrefetchedStep `json:"-"`
}

// NewStoryState returns the initial (pre-start) state.
func NewStoryState() *StoryState {
	return &StoryState{
		CurrentDepth:  0,
		CurrentIndex:  -1,
		Path:          []string{},
		History:       []StoryStep{},
		ActiveParty:   []string{},
		PrefetchCache: make(map[string]PrefetchedStep),
	}
}

// ImageResult is the outcome of an image generation call. DebugPrompt always
// carries the exact prompt that was sent, or the failure embedded alongside it.
type ImageResult struct {
	ImageURL    string `json:"image_url"`
	DebugPrompt string `json:"debug_prompt"`
}
