// internal/api/handlers.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/models"
	"github.com/Corphon/StoryWeaver/internal/services"
)

// Handler processes API requests.
type Handler struct {
	CharacterService *services.CharacterService
	StoryService     *services.StoryService
	SocialService    *services.SocialStoryService
	LibraryService   *services.LibraryService
	TemplateService  *services.TemplateService
	Proxy            *ProxyHandler
	Progress         *ProgressHub
	Response         *ResponseHelper

	jobs   map[string]*socialJob
	jobsMu sync.RWMutex
}

// NewHandler creates the API handler.
func NewHandler(
	characterService *services.CharacterService,
	storyService *services.StoryService,
	socialService *services.SocialStoryService,
	libraryService *services.LibraryService,
	templateService *services.TemplateService,
	proxy *ProxyHandler,
) *Handler {
	return &Handler{
		CharacterService: characterService,
		StoryService:     storyService,
		SocialService:    socialService,
		LibraryService:   libraryService,
		TemplateService:  templateService,
		Proxy:            proxy,
		Progress:         NewProgressHub(),
		Response:         NewResponseHelper(),
		jobs:             make(map[string]*socialJob),
	}
}

// socialJob is one background social-story generation run.
type socialJob struct {
	ID        string
	Config    models.SocialStoryConfig
	Template  *models.SocialStoryTemplate
	Custom    *models.CustomScenarioInput
	CreatedAt time.Time

	mu     sync.RWMutex
	status string // running, complete, failed
	state  *models.SocialStoryState
	errMsg string
}

type socialJobView struct {
	ID        string                   `json:"id"`
	Status    string                   `json:"status"`
	State     *models.SocialStoryState `json:"state,omitempty"`
	Error     string                   `json:"error,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
}

func (job *socialJob) view() socialJobView {
	job.mu.RLock()
	defer job.mu.RUnlock()
	return socialJobView{
		ID:        job.ID,
		Status:    job.status,
		State:     job.state,
		Error:     job.errMsg,
		CreatedAt: job.CreatedAt,
	}
}

// ========================================
// Health
// ========================================

// Health reports service liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ========================================
// Character collection
// ========================================

// GetCharacters lists the collected characters.
func (h *Handler) GetCharacters(c *gin.Context) {
	characters, err := h.CharacterService.List()
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, characters)
}

// DeleteCharacter removes one character from the collection.
func (h *Handler) DeleteCharacter(c *gin.Context) {
	id := c.Param("id")
	if err := h.CharacterService.Delete(id); err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"id": id}, "character deleted")
}

// ========================================
// Branching story
// ========================================

// StartStoryRequest begins a new branching story.
type StartStoryRequest struct {
	StartingSentence     string   `json:"starting_sentence" binding:"required"`
	ArtStyle             string   `json:"art_style" binding:"required"`
	SelectedCharacterIDs []string `json:"selected_character_ids"`
}

// ChoiceRequest advances the story along one option.
type ChoiceRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// CreateStorySession allocates a new session.
func (h *Handler) CreateStorySession(c *gin.Context) {
	session := h.StoryService.CreateSession()
	h.Response.Created(c, session.Snapshot(), "session created")
}

// GetStorySession returns the current session snapshot.
func (h *Handler) GetStorySession(c *gin.Context) {
	session := h.StoryService.GetSession(c.Param("session_id"))
	if session == nil {
		h.Response.Error(c, http.StatusNotFound, ErrorSessionNotFound, "session not found")
		return
	}
	h.Response.Success(c, session.Snapshot())
}

// StartStory generates the opening scene.
func (h *Handler) StartStory(c *gin.Context) {
	var req StartStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	cfg := models.StoryConfig{
		StartingSentence:     req.StartingSentence,
		ArtStyle:             req.ArtStyle,
		SelectedCharacterIDs: req.SelectedCharacterIDs,
	}

	session, err := h.StoryService.StartStory(c.Request.Context(), c.Param("session_id"), cfg)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session.Snapshot())
}

// MakeChoice advances the story.
func (h *Handler) MakeChoice(c *gin.Context) {
	var req ChoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorChoiceInvalid, "invalid request body", err.Error())
		return
	}

	session, err := h.StoryService.HandleChoice(c.Request.Context(), c.Param("session_id"), req.Choice)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session.Snapshot())
}

// GoBack rewinds to the previous step.
func (h *Handler) GoBack(c *gin.Context) {
	session, err := h.StoryService.HandleBack(c.Param("session_id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session.Snapshot())
}

// RestartStory clears the session back to idle.
func (h *Handler) RestartStory(c *gin.Context) {
	session, err := h.StoryService.Restart(c.Param("session_id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session.Snapshot())
}

// ========================================
// Templates
// ========================================

// GetTemplates lists scenario templates, optionally filtered by category or
// child age.
func (h *Handler) GetTemplates(c *gin.Context) {
	if category := c.Query("category"); category != "" {
		h.Response.Success(c, h.TemplateService.ListByCategory(category))
		return
	}
	if ageParam := c.Query("age"); ageParam != "" {
		age, err := strconv.Atoi(ageParam)
		if err != nil {
			h.Response.BadRequest(c, "age must be a number")
			return
		}
		h.Response.Success(c, h.TemplateService.ListForAge(age))
		return
	}
	h.Response.Success(c, h.TemplateService.List())
}

// GetTemplate returns one template.
func (h *Handler) GetTemplate(c *gin.Context) {
	template, err := h.TemplateService.GetByID(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, template)
}

// ========================================
// Social stories
// ========================================

// GenerateSocialStoryRequest starts a social story generation job.
type GenerateSocialStoryRequest struct {
	TemplateID      string                      `json:"template_id,omitempty"`
	Custom          *models.CustomScenarioInput `json:"custom,omitempty"`
	ChildName       string                      `json:"child_name" binding:"required"`
	ChildAppearance string                      `json:"child_appearance" binding:"required"`
	ChildAge        int                         `json:"child_age,omitempty"`
	ArtStyle        string                      `json:"art_style" binding:"required"`
}

// GenerateSocialStory starts generation in the background and returns a job
// id. Progress streams over the websocket endpoint for that job.
func (h *Handler) GenerateSocialStory(c *gin.Context) {
	var req GenerateSocialStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if req.TemplateID == "" && req.Custom == nil {
		h.Response.BadRequest(c, "either template_id or custom scenario is required")
		return
	}

	var template *models.SocialStoryTemplate
	if req.TemplateID != "" {
		found, err := h.TemplateService.GetByID(req.TemplateID)
		if err != nil {
			h.Response.Error(c, http.StatusNotFound, ErrorTemplateNotFound, "template not found: "+req.TemplateID)
			return
		}
		template = found
	}

	job := &socialJob{
		ID: uuid.NewString(),
		Config: models.SocialStoryConfig{
			TemplateID:      req.TemplateID,
			ChildName:       req.ChildName,
			ChildAppearance: req.ChildAppearance,
			ChildAge:        req.ChildAge,
			ArtStyle:        req.ArtStyle,
		},
		Template:  template,
		Custom:    req.Custom,
		CreatedAt: time.Now(),
		status:    "running",
	}

	h.jobsMu.Lock()
	h.jobs[job.ID] = job
	h.jobsMu.Unlock()

	go h.runSocialJob(job)

	h.Response.Created(c, job.view(), "generation started")
}

func (h *Handler) runSocialJob(job *socialJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	progress := func(update services.SocialProgressUpdate) {
		if update.State != nil {
			job.mu.Lock()
			job.state = update.State
			job.mu.Unlock()
		}
		h.Progress.Publish(job.ID, update)
	}

	state, err := h.SocialService.Generate(ctx, job.Config, job.Template, job.Custom, progress)

	job.mu.Lock()
	if err != nil {
		job.status = "failed"
		job.errMsg = err.Error()
	} else {
		job.status = "complete"
		job.state = state
	}
	job.mu.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Error("social story generation failed")
		h.Progress.Publish(job.ID, gin.H{"stage": "failed", "error": err.Error()})
	}
}

// GetSocialStoryJob returns the status and current state of a job.
func (h *Handler) GetSocialStoryJob(c *gin.Context) {
	job := h.getJob(c.Param("job_id"))
	if job == nil {
		h.Response.Error(c, http.StatusNotFound, ErrorJobNotFound, "job not found")
		return
	}
	h.Response.Success(c, job.view())
}

// SocialStoryProgress streams progress updates over a websocket.
func (h *Handler) SocialStoryProgress(c *gin.Context) {
	jobID := c.Param("job_id")
	if h.getJob(jobID) == nil {
		h.Response.Error(c, http.StatusNotFound, ErrorJobNotFound, "job not found")
		return
	}
	h.Progress.Subscribe(c, jobID)
}

func (h *Handler) getJob(id string) *socialJob {
	h.jobsMu.RLock()
	defer h.jobsMu.RUnlock()
	return h.jobs[id]
}

// ========================================
// Story library
// ========================================

// SaveStoryRequest saves a completed job into the library.
type SaveStoryRequest struct {
	JobID string `json:"job_id" binding:"required"`
}

// GetLibrary lists saved stories, most recently viewed first.
func (h *Handler) GetLibrary(c *gin.Context) {
	stories, err := h.LibraryService.List()
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, stories)
}

// GetLibraryStory returns one saved story and stamps its last-viewed time.
func (h *Handler) GetLibraryStory(c *gin.Context) {
	story, err := h.LibraryService.Get(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, story)
}

// SaveStory persists a completed generation job.
func (h *Handler) SaveStory(c *gin.Context) {
	var req SaveStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	job := h.getJob(req.JobID)
	if job == nil {
		h.Response.Error(c, http.StatusNotFound, ErrorJobNotFound, "job not found")
		return
	}

	view := job.view()
	if view.Status != "complete" || view.State == nil {
		h.Response.Error(c, http.StatusConflict, ErrorStoryIncomplete, "story generation has not completed")
		return
	}

	saved, err := h.LibraryService.Save(view.State, job.Config, job.Template, job.Custom)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Created(c, saved, "story saved")
}

// DeleteLibraryStory removes one saved story.
func (h *Handler) DeleteLibraryStory(c *gin.Context) {
	id := c.Param("id")
	if err := h.LibraryService.Delete(id); err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.Error(c, http.StatusNotFound, ErrorStoryNotFound, "story not found")
			return
		}
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"id": id}, "story deleted")
}
