// internal/models/social.go
package models

import "time"

// SocialStoryTemplate describes a pre-built scenario a parent can pick.
type SocialStoryTemplate struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Category        string   `json:"category"` // medical, school, social, daily-routine, travel
	Description     string   `json:"description"`
	Icon            string   `json:"icon"`
	EstimatedScenes int      `json:"estimated_scenes"`
	KeyPeople       []string `json:"key_people"`
	CommonFears     []string `json:"common_fears"`
	AgeRange        [2]int   `json:"age_range"`
}

// CustomScenarioInput is a parent-authored scenario.
type CustomScenarioInput struct {
	Title           string   `json:"title"`
	Category        string   `json:"category"`
	Description     string   `json:"description"`
	EstimatedScenes int      `json:"estimated_scenes"`
	KeyPeople       []string `json:"key_people,omitempty"`
	CommonConcerns  []string `json:"common_concerns,omitempty"`
	SpecificDetails string   `json:"specific_details,omitempty"`
}

// SocialStoryConfig carries the child profile for a social story run.
type SocialStoryConfig struct {
	TemplateID      string `json:"template_id,omitempty"`
	ChildName       string `json:"child_name"`
	ChildAppearance string `json:"child_appearance"`
	ChildAge        int    `json:"child_age,omitempty"`
	ArtStyle        string `json:"art_style"`
}

// PersonIntroduced is a new person the story brings in for one scene.
type PersonIntroduced struct {
	Role        string `json:"role"` // e.g. "dentist"
	Name        string `json:"name"`
	Description string `json:"description"` // physical appearance for image generation
	WhatTheyDo  string `json:"what_they_do"`
}

// SocialStoryScene is one generated scene of a linear social story.
type SocialStoryScene struct {
	SceneNumber      int               `json:"scene_number"`
	SceneTitle       string            `json:"scene_title"`
	SceneText        string            `json:"scene_text"`
	ImageDescription string            `json:"image_description"`
	EducationalNote  string            `json:"educational_note,omitempty"`
	PersonIntroduced *PersonIntroduced `json:"person_introduced,omitempty"`
	IsFinalScene     bool              `json:"is_final_scene"`
}

// SocialSceneStep pairs a scene with its rendered image.
type SocialSceneStep struct {
	Scene       *SocialStoryScene `json:"scene"`
	ImageURL    string            `json:"image_url"`
	DebugPrompt string            `json:"debug_prompt"`
}

// SocialStoryState is the state of one linear story run. PeopleRefs is keyed
// by role, never by name: at most one reference image exists per role no
// matter how often the role recurs.
type SocialStoryState struct {
	Scenes            []SocialSceneStep `json:"scenes"`
	ChildCharacterRef string            `json:"child_character_ref"`
	PeopleRefs        map[string]string `json:"people_refs"`
	IsComplete        bool              `json:"is_complete"`
	IsGenerating      bool              `json:"is_generating"`
}

// SavedSocialStory is the persisted form of a completed social story.
type SavedSocialStory struct {
	ID                string            `json:"id"`
	TemplateID        string            `json:"template_id,omitempty"`
	CustomTitle       string            `json:"custom_title,omitempty"`
	ChildName         string            `json:"child_name"`
	CreatedAt         time.Time         `json:"created_at"`
	LastViewed        time.Time         `json:"last_viewed"`
	Scenes            []SocialSceneStep `json:"scenes"`
	ChildCharacterRef string            `json:"child_character_ref"`
	PeopleRefs        map[string]string `json:"people_refs"`
	Thumbnail         string            `json:"thumbnail,omitempty"`
}
