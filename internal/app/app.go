// internal/app/app.go
package app

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Corphon/StoryWeaver/internal/config"
	"github.com/Corphon/StoryWeaver/internal/di"
	"github.com/Corphon/StoryWeaver/internal/imagegen"
	"github.com/Corphon/StoryWeaver/internal/imaging"
	"github.com/Corphon/StoryWeaver/internal/llm"
	"github.com/Corphon/StoryWeaver/internal/services"
	"github.com/Corphon/StoryWeaver/internal/storage"
)

// InitServices builds all services in dependency order and registers them in
// the DI container.
func InitServices(cfg *config.Config) error {
	container := di.GetContainer()

	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	container.Register("storage", fileStorage)

	llmClient := llm.NewClient(cfg.TextEndpoint, cfg.TextAPIKey, cfg.TextModel, nil)
	container.Register("llm", llmClient)

	imageClient := imagegen.NewClient(cfg.ImageGenEndpoint, cfg.ImageEditEndpoint, cfg.ImageAPIKey, nil)
	container.Register("imagegen", imageClient)

	compositor := imaging.NewCompositor(nil)
	container.Register("compositor", compositor)

	characterService := services.NewCharacterService(fileStorage)
	container.Register("character", characterService)

	sceneService := services.NewSceneService(llmClient)
	container.Register("scene", sceneService)

	imageService := services.NewImageService(imageClient)
	container.Register("image", imageService)

	storyService := services.NewStoryService(sceneService, imageService, characterService, compositor, cfg.PrefetchDelay)
	container.Register("story", storyService)

	socialService := services.NewSocialStoryService(sceneService, imageService, compositor)
	container.Register("social", socialService)

	libraryService := services.NewLibraryService(fileStorage)
	container.Register("library", libraryService)

	templateService := services.NewTemplateService()
	container.Register("template", templateService)

	logrus.WithField("services", len(container.GetNames())).Info("services initialized")
	return nil
}
