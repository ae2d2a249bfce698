// internal/services/social_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Corphon/StoryWeaver/internal/imaging"
	"github.com/Corphon/StoryWeaver/internal/models"
)

const defaultSocialScenes = 6

// SocialProgress receives incremental updates while a social story is being
// generated. The API layer forwards these over the progress websocket.
type SocialProgress func(update SocialProgressUpdate)

// SocialProgressUpdate describes one step of an in-flight generation.
type SocialProgressUpdate struct {
	Stage       string                   `json:"stage"` // child_reference, scene_text, person_reference, scene_image, scene_done, complete
	SceneNumber int                      `json:"scene_number,omitempty"`
	TotalScenes int                      `json:"total_scenes,omitempty"`
	State       *models.SocialStoryState `json:"state,omitempty"`
}

// SocialStoryService generates linear social stories: a fixed number of
// sequential scenes with a consistent child protagonist and role-keyed helper
// references.
type SocialStoryService struct {
	scenes     *SceneService
	images     *ImageService
	compositor *imaging.Compositor
}

// NewSocialStoryService creates the linear story orchestrator.
func NewSocialStoryService(scenes *SceneService, images *ImageService, compositor *imaging.Compositor) *SocialStoryService {
	return &SocialStoryService{scenes: scenes, images: images, compositor: compositor}
}

// Generate runs the whole sequence: child reference first, then each scene in
// order. A text generation failure aborts the run; image failures degrade to
// placeholder steps. Progress may be nil.
func (s *SocialStoryService) Generate(ctx context.Context, cfg models.SocialStoryConfig, template *models.SocialStoryTemplate, custom *models.CustomScenarioInput, progress SocialProgress) (*models.SocialStoryState, error) {
	notify := func(u SocialProgressUpdate) {
		if progress != nil {
			progress(u)
		}
	}

	totalScenes := defaultSocialScenes
	if template != nil && template.EstimatedScenes > 0 {
		totalScenes = template.EstimatedScenes
	} else if custom != nil && custom.EstimatedScenes > 0 {
		totalScenes = custom.EstimatedScenes
	}

	state := &models.SocialStoryState{
		Scenes:       []models.SocialSceneStep{},
		PeopleRefs:   make(map[string]string),
		IsGenerating: true,
	}

	notify(SocialProgressUpdate{Stage: "child_reference", TotalScenes: totalScenes})
	childRef := s.images.GenerateCharacterReference(ctx, cfg.ChildAppearance, cfg.ArtStyle)
	state.ChildCharacterRef = childRef.ImageURL
	if childRef.ImageURL == "" {
		logrus.Warn("child reference generation failed; scenes will run without child conditioning")
	}

	var generated []models.SocialStoryScene

	for i := 1; i <= totalScenes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		notify(SocialProgressUpdate{Stage: "scene_text", SceneNumber: i, TotalScenes: totalScenes})
		scene, err := s.scenes.GenerateSocialScene(ctx, i, totalScenes, template, custom, cfg.ChildName, generated)
		if err != nil {
			return nil, err
		}
		generated = append(generated, *scene)

		// One reference per role, however often the role recurs.
		if person := scene.PersonIntroduced; person != nil {
			if _, ok := state.PeopleRefs[person.Role]; ok {
				logrus.WithField("role", person.Role).Info("reference for role already exists; skipping")
			} else {
				notify(SocialProgressUpdate{Stage: "person_reference", SceneNumber: i, TotalScenes: totalScenes})
				personRef := s.images.GenerateCharacterReference(ctx, person.Description, cfg.ArtStyle)
				if personRef.ImageURL != "" {
					state.PeopleRefs[person.Role] = personRef.ImageURL
					logrus.WithFields(logrus.Fields{"role": person.Role, "name": person.Name}).
						Info("person reference created")
				} else {
					logrus.WithField("role", person.Role).Warn("person reference generation failed")
				}
			}
		}

		// The composite contains only the child and the person relevant to
		// this scene. Adding every previously introduced person confuses the
		// model about who is who in the lineup.
		var refsForScene []string
		if state.ChildCharacterRef != "" {
			refsForScene = append(refsForScene, state.ChildCharacterRef)
		}
		if scene.PersonIntroduced != nil {
			if ref, ok := state.PeopleRefs[scene.PersonIntroduced.Role]; ok {
				refsForScene = append(refsForScene, ref)
			}
		}

		compositeRef := ""
		if len(refsForScene) > 0 {
			composite, err := s.compositor.ComposeLineup(ctx, refsForScene)
			if err != nil {
				logrus.WithError(err).WithField("scene", i).Error("failed to merge character references")
			} else {
				compositeRef = composite
			}
		}

		enhancedPrompt := s.buildEnhancedPrompt(cfg, scene, generated, state.PeopleRefs)

		notify(SocialProgressUpdate{Stage: "scene_image", SceneNumber: i, TotalScenes: totalScenes})
		img := s.images.GenerateSceneImage(ctx, enhancedPrompt, cfg.ArtStyle, compositeRef)

		state.Scenes = append(state.Scenes, models.SocialSceneStep{
			Scene:       scene,
			ImageURL:    img.ImageURL,
			DebugPrompt: img.DebugPrompt,
		})
		state.IsGenerating = i < totalScenes

		notify(SocialProgressUpdate{Stage: "scene_done", SceneNumber: i, TotalScenes: totalScenes, State: snapshotSocialState(state)})
	}

	state.IsComplete = true
	state.IsGenerating = false
	notify(SocialProgressUpdate{Stage: "complete", TotalScenes: totalScenes, State: snapshotSocialState(state)})

	return state, nil
}

// snapshotSocialState copies the state so progress consumers never observe a
// partially appended scene list.
func snapshotSocialState(state *models.SocialStoryState) *models.SocialStoryState {
	clone := *state
	clone.Scenes = append([]models.SocialSceneStep(nil), state.Scenes...)
	clone.PeopleRefs = make(map[string]string, len(state.PeopleRefs))
	for role, ref := range state.PeopleRefs {
		clone.PeopleRefs[role] = ref
	}
	return &clone
}

// buildEnhancedPrompt restates each visible character's appearance inline
// before the scene description. The references alone condition weakly; the
// text makes the appearance explicit even when the lineup image is ignored.
func (s *SocialStoryService) buildEnhancedPrompt(cfg models.SocialStoryConfig, scene *models.SocialStoryScene, generated []models.SocialStoryScene, peopleRefs map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is %s. ", cfg.ChildName, cfg.ChildAppearance)

	if person := scene.PersonIntroduced; person != nil {
		fmt.Fprintf(&b, "%s (%s) is %s. ", person.Name, person.Role, person.Description)
	} else {
		// Recurring roles: if a known role is mentioned in this scene, look
		// up its appearance from the scene that introduced it.
		sceneText := strings.ToLower(scene.SceneText + " " + scene.ImageDescription)
		for role := range peopleRefs {
			if !strings.Contains(sceneText, strings.ToLower(role)) {
				continue
			}
			for _, prior := range generated {
				if prior.PersonIntroduced != nil && prior.PersonIntroduced.Role == role {
					fmt.Fprintf(&b, "%s is %s. ", prior.PersonIntroduced.Name, prior.PersonIntroduced.Description)
					break
				}
			}
		}
	}

	b.WriteString(scene.ImageDescription)
	return b.String()
}
