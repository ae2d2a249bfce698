// internal/services/scene_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/llm"
	"github.com/Corphon/StoryWeaver/internal/models"
)

// SceneService turns narrative context into structured scene objects through
// the text generation collaborator. It is pure request/response: no retries,
// no state, and every failure propagates to the caller.
type SceneService struct {
	llm *llm.Client
}

// NewSceneService creates a scene generation service.
func NewSceneService(client *llm.Client) *SceneService {
	return &SceneService{llm: client}
}

// GenerateScene produces the next scene of a branching story. choice is empty
// for the opening scene. known carries name/description hints for characters
// the player already collected, so the generator does not invent a fresh look
// for them.
func (s *SceneService) GenerateScene(ctx context.Context, startingSentence, artStyle string, state *models.StoryState, choice string, known []models.KnownCharacter) (*models.Scene, error) {
	systemPrompt := buildBranchingSystemPrompt(state.CurrentDepth == 0, known)
	userPrompt := buildBranchingUserPrompt(startingSentence, state, choice)

	content, err := s.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	var scene models.Scene
	cleaned := llm.CleanJSONResponse(content)
	if err := json.Unmarshal([]byte(cleaned), &scene); err != nil {
		return nil, apperrors.NewInvalidContentError("model did not return a valid scene object", err)
	}
	if scene.SceneText == "" || scene.ImageDescription == "" {
		return nil, apperrors.NewInvalidContentError("scene object is missing required fields", nil)
	}

	return &scene, nil
}

// GenerateSocialScene produces one scene of a linear social story. Exactly one
// of template and custom is non-nil.
func (s *SceneService) GenerateSocialScene(ctx context.Context, sceneNumber, totalScenes int, template *models.SocialStoryTemplate, custom *models.CustomScenarioInput, childName string, previous []models.SocialStoryScene) (*models.SocialStoryScene, error) {
	systemPrompt := buildSocialSystemPrompt(sceneNumber, totalScenes, template, custom, childName)
	userPrompt := buildSocialUserPrompt(sceneNumber, totalScenes, custom, previous)

	content, err := s.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	var scene models.SocialStoryScene
	cleaned := llm.CleanJSONResponse(content)
	if err := json.Unmarshal([]byte(cleaned), &scene); err != nil {
		return nil, apperrors.NewInvalidContentError("model did not return a valid scene object", err)
	}
	if scene.SceneText == "" {
		return nil, apperrors.NewInvalidContentError("scene object is missing required fields", nil)
	}

	return &scene, nil
}

// buildBranchingSystemPrompt describes the scene contract to the generator.
func buildBranchingSystemPrompt(isOpening bool, known []models.KnownCharacter) string {
	var b strings.Builder

	b.WriteString(`You are an interactive storyteller for children, writing a gentle branching
adventure in the style of an illustrated storybook.

CRITICAL RULES:
1. Output MUST be valid JSON only, no markdown fencing, no surrounding prose.
2. Keep language warm, simple and age-appropriate (ages 4-8).
3. Each scene is 2-4 sentences and ends at a natural decision point.
4. Offer exactly two meaningfully different choices unless the story ends.
5. image_description must be a self-contained visual description of the scene
   for an illustrator who has not read the story.

STRUCTURE:
{
  "scene_text": "string (2-4 sentences)",
  "image_description": "string (visual description for the image generator)",
  "option_1": "string (first choice, short and concrete)",
  "option_2": "string (second choice, short and concrete)",
  "is_ending": boolean
}
`)

	if isOpening {
		b.WriteString(`
This is the OPENING scene. Additionally include:
  "character_concept": "string (full visual description of the main character)",
  "character_name": "string (the main character's name)"
`)
	} else {
		b.WriteString(`
If and only if this scene introduces a character not seen before, additionally include:
  "new_character": { "name": "string", "description": "string (full visual description)" }
Do not re-introduce characters that already appeared.
`)
	}

	if len(known) > 0 {
		b.WriteString("\nKNOWN CHARACTERS (reuse them exactly as described, do not redescribe or rename them):\n")
		for _, c := range known {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
	}

	if !isOpening {
		b.WriteString("\nIf the story reaches a satisfying conclusion, set is_ending to true and set option_1 and option_2 to null.\n")
	}

	return b.String()
}

// buildBranchingUserPrompt assembles the narrative context: premise, the path
// taken so far, and the chosen option.
func buildBranchingUserPrompt(startingSentence string, state *models.StoryState, choice string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Story premise: %s\n", startingSentence)

	if len(state.History) > 0 {
		b.WriteString("\nStory so far:\n")
		for i, step := range state.History[:state.CurrentIndex+1] {
			fmt.Fprintf(&b, "Scene %d: %s\n", i+1, step.Scene.SceneText)
			if i < len(state.Path) {
				fmt.Fprintf(&b, "Chosen: %s\n", state.Path[i])
			}
		}
	}

	if choice == "" {
		b.WriteString("\nWrite the opening scene.")
	} else {
		fmt.Fprintf(&b, "\nThe reader chose: %s\nWrite the next scene.", choice)
	}

	return b.String()
}

// buildSocialSystemPrompt describes the social-story contract. Social stories
// prepare a child for a real-world experience in a clear, reassuring way.
func buildSocialSystemPrompt(sceneNumber, totalScenes int, template *models.SocialStoryTemplate, custom *models.CustomScenarioInput, childName string) string {
	var b strings.Builder

	b.WriteString(`You are a social story generator for children. Social stories help children
prepare for new experiences by explaining what will happen in a clear, reassuring way.

`)

	if template != nil {
		fmt.Fprintf(&b, "SCENARIO: %s\nDESCRIPTION: %s\n", template.Title, template.Description)
	} else if custom != nil {
		fmt.Fprintf(&b, "CUSTOM SCENARIO: %s\nDESCRIPTION: %s\n", custom.Title, custom.Description)
	}
	fmt.Fprintf(&b, "CHILD'S NAME: %s\nCURRENT SCENE: %d of %d\n\n", childName, sceneNumber, totalScenes)

	if template != nil && len(template.KeyPeople) > 0 {
		fmt.Fprintf(&b, "KEY PEOPLE: %s\n", strings.Join(template.KeyPeople, ", "))
	} else if custom != nil && len(custom.KeyPeople) > 0 {
		fmt.Fprintf(&b, "KEY PEOPLE: %s\n", strings.Join(custom.KeyPeople, ", "))
	}
	if template != nil && len(template.CommonFears) > 0 {
		fmt.Fprintf(&b, "COMMON CONCERNS: %s\n", strings.Join(template.CommonFears, ", "))
	} else if custom != nil && len(custom.CommonConcerns) > 0 {
		fmt.Fprintf(&b, "COMMON CONCERNS: %s\n", strings.Join(custom.CommonConcerns, ", "))
	}

	fmt.Fprintf(&b, `
CRITICAL RULES:
1. Output MUST be valid JSON only, no markdown fencing.
2. Use second-person perspective ("You will..." or "You might see...").
3. IMPORTANT: The child (%s) IS the protagonist "You". NEVER say "You and %s". Always refer to the child as "You".
4. Use present or future tense (not past tense).
5. Keep language simple, concrete, and reassuring.
6. Each scene should be 2-4 sentences.
7. Focus on sensory details (what they'll see, hear, feel).
8. Acknowledge feelings without being scary ("You might feel nervous, and that's okay").
9. Introduce one key person or concept per scene.
10. Maintain a calm, positive tone throughout.

STRUCTURE:
{
  "scene_number": %d,
  "scene_title": "string (2-5 words)",
  "scene_text": "string (2-4 sentences, child-friendly, refer to the child as 'You', never use their name)",
  "image_description": "string (visual description for image generator, realistic children's book style)",
  "educational_note": "string (optional tip for parents)",
  "person_introduced": {
    "role": "string (e.g., 'dentist')",
    "name": "string",
    "description": "string (physical appearance for image generation)",
    "what_they_do": "string (their role explained simply)"
  },
  "is_final_scene": %t
}
Only include person_introduced if a new person appears in this scene.

SCENE PROGRESSION GUIDE:
Scene 1: Arrival/Introduction (where you're going, why)
Scene 2-3: Meeting people (who will help you)
Scene 4-5: Main activity (what will happen, step by step)
Scene 6: Addressing concerns (it's okay to feel nervous)
Scene 7+: Positive conclusion (you did it! what happens next)

If scene_number equals %d, set is_final_scene to true and wrap up the story positively.
`, childName, childName, sceneNumber, sceneNumber == totalScenes, totalScenes)

	return b.String()
}

// buildSocialUserPrompt digests previously generated scenes into the context.
func buildSocialUserPrompt(sceneNumber, totalScenes int, custom *models.CustomScenarioInput, previous []models.SocialStoryScene) string {
	var b strings.Builder

	if len(previous) > 0 {
		b.WriteString("Story so far:\n")
		for _, scene := range previous {
			fmt.Fprintf(&b, "Scene %d: %s - %s\n", scene.SceneNumber, scene.SceneTitle, scene.SceneText)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Generate scene %d of %d.", sceneNumber, totalScenes)

	if custom != nil && custom.SpecificDetails != "" {
		fmt.Fprintf(&b, "\n\nAdditional context: %s", custom.SpecificDetails)
	}

	return b.String()
}
