// internal/services/image_service.go
package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Corphon/StoryWeaver/internal/imagegen"
	"github.com/Corphon/StoryWeaver/internal/models"
)

// ImageService builds prompts and calls the image generation collaborator.
//
// Image failures are deliberately non-fatal: every method returns an
// ImageResult whose DebugPrompt carries the exact prompt sent, and on failure
// the ImageURL is empty with the error embedded in DebugPrompt. Text progress
// is never lost to an image-only failure.
type ImageService struct {
	gen *imagegen.Client
}

// NewImageService creates an image service.
func NewImageService(client *imagegen.Client) *ImageService {
	return &ImageService{gen: client}
}

// GenerateSceneImage renders a story scene. When a reference image is present
// the request runs in edit mode with a strict identity-fidelity instruction;
// otherwise plain generation.
func (s *ImageService) GenerateSceneImage(ctx context.Context, description, artStyle, referenceImage string) models.ImageResult {
	mode := imagegen.ModeGeneration
	var prompt string

	if referenceImage != "" {
		mode = imagegen.ModeEdit
		prompt = buildConditionedScenePrompt(description, artStyle)
	} else {
		prompt = fmt.Sprintf("%s. Art style: %s. Do not include any artist signatures, watermarks, or text.", description, artStyle)
	}

	return s.request(ctx, mode, prompt, referenceImage)
}

// GenerateCharacterReference renders a character reference sheet: a single
// full-body front view on a plain white background, used to pin the
// character's visual identity for later conditioned generation.
func (s *ImageService) GenerateCharacterReference(ctx context.Context, characterDescription, artStyle string) models.ImageResult {
	prompt := fmt.Sprintf(`Create a clean character reference sheet in a simple cartoon children's-book style with crisp black outlines and flat colors.
Show the character standing in a neutral pose on a plain white background.
Include: A single full-body front view (large, centered).
The character should follow this description: %s

Requirements:
- Clear, bold outlines
- Simple shapes and proportions
- Flat colors or very light cel shading (Avoid complex lighting that alters colors)
- Ensure colors are distinct and accurate to the description
- No scenery, no props, no background details
- No text of any kind
- Keep layout simple
- Art style: %s
- Do not include any artist signatures, watermarks, or text.`, characterDescription, artStyle)

	return s.request(ctx, imagegen.ModeGeneration, prompt, "")
}

// request performs the upstream call and absorbs failures into the result.
func (s *ImageService) request(ctx context.Context, mode, prompt, referenceImage string) models.ImageResult {
	imageURL, err := s.gen.Generate(ctx, mode, prompt, referenceImage)
	if err != nil {
		logrus.WithError(err).WithField("mode", mode).Error("image generation failed")
		return models.ImageResult{
			ImageURL:    "",
			DebugPrompt: fmt.Sprintf("FAILED: %v \n\n ATTEMPTED PROMPT: %s", err, prompt),
		}
	}

	return models.ImageResult{ImageURL: imageURL, DebugPrompt: prompt}
}

// buildConditionedScenePrompt demands strict color and identity fidelity to
// the reference lineup and forbids character redesign.
func buildConditionedScenePrompt(description, artStyle string) string {
	return fmt.Sprintf(`STRICT COLOR AND IDENTITY CONSISTENCY REQUIRED.
Use the attached reference image as the absolute source of truth for the characters.
- The reference image contains a lineup of one or more characters on a white background.
- You MUST use the exact colors from the reference image for the characters.
- Keep facial features, body proportions, and markings identical to the reference.

Do not redesign the characters. Only adjust pose, lighting, and the new environment.

Now create the story scene in the same simple cartoon children's-book style with clean outlines and flat or lightly-shaded colors.

Scene description: %s

Requirements:
- Background should match the scene but stay consistent with the art style
- Keep the characters fully recognizable and matching the reference
- No text
- No speech bubbles
- Art style: %s
- Do not include any artist signatures, watermarks, or text.`, description, artStyle)
}
