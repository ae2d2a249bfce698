// internal/api/router.go
package api

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StoryWeaver/internal/config"
	"github.com/Corphon/StoryWeaver/internal/di"
	"github.com/Corphon/StoryWeaver/internal/services"
)

// SetupRouter configures the HTTP routes. Services must already be
// registered in the DI container.
func SetupRouter(cfg *config.Config) (*gin.Engine, error) {
	container := di.GetContainer()

	characterService, ok := container.Get("character").(*services.CharacterService)
	if !ok {
		return nil, fmt.Errorf("character service not initialized")
	}

	storyService, ok := container.Get("story").(*services.StoryService)
	if !ok {
		return nil, fmt.Errorf("story service not initialized")
	}

	socialService, ok := container.Get("social").(*services.SocialStoryService)
	if !ok {
		return nil, fmt.Errorf("social story service not initialized")
	}

	libraryService, ok := container.Get("library").(*services.LibraryService)
	if !ok {
		return nil, fmt.Errorf("library service not initialized")
	}

	templateService, ok := container.Get("template").(*services.TemplateService)
	if !ok {
		return nil, fmt.Errorf("template service not initialized")
	}

	handler := NewHandler(
		characterService,
		storyService,
		socialService,
		libraryService,
		templateService,
		NewProxyHandler(cfg),
	)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(corsMiddleware())
	r.Use(RequestIDMiddleware())

	// The frontend is a single-page app served from the static dir.
	r.Static("/static", cfg.StaticDir)
	r.StaticFile("/", filepath.Join(cfg.StaticDir, "index.html"))
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.File(filepath.Join(cfg.StaticDir, "index.html"))
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	})

	// WebSocket progress stream
	r.GET("/ws/social/:job_id", handler.SocialStoryProgress)

	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		api.GET("/health", handler.Health)

		// Character collection
		charactersGroup := api.Group("/characters")
		{
			charactersGroup.GET("", handler.GetCharacters)
			charactersGroup.DELETE("/:id", handler.DeleteCharacter)
		}

		// Branching story sessions
		storyGroup := api.Group("/story/sessions")
		{
			storyGroup.POST("", handler.CreateStorySession)
			storyGroup.GET("/:session_id", handler.GetStorySession)

			generation := storyGroup.Group("")
			generation.Use(GenerationRateLimit())
			{
				generation.POST("/:session_id/start", handler.StartStory)
				generation.POST("/:session_id/choice", handler.MakeChoice)
			}

			storyGroup.POST("/:session_id/back", handler.GoBack)
			storyGroup.POST("/:session_id/restart", handler.RestartStory)
		}

		// Social story templates
		templatesGroup := api.Group("/templates")
		{
			templatesGroup.GET("", handler.GetTemplates)
			templatesGroup.GET("/:id", handler.GetTemplate)
		}

		// Social story generation jobs
		socialGroup := api.Group("/social/stories")
		{
			socialGroup.POST("", GenerationRateLimit(), handler.GenerateSocialStory)
			socialGroup.GET("/:job_id", handler.GetSocialStoryJob)
		}

		// Saved story library
		libraryGroup := api.Group("/library")
		{
			libraryGroup.GET("", handler.GetLibrary)
			libraryGroup.POST("", handler.SaveStory)
			libraryGroup.GET("/:id", handler.GetLibraryStory)
			libraryGroup.DELETE("/:id", handler.DeleteLibraryStory)
		}

		// Collaborator proxies
		api.POST("/text", handler.Proxy.TextProxy)
		api.POST("/image", GenerationRateLimit(), handler.Proxy.ImageProxy)
	}

	return r, nil
}

// corsMiddleware implements cross-origin resource sharing.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
