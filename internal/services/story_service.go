// internal/services/story_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/imaging"
	"github.com/Corphon/StoryWeaver/internal/models"
)

// Phase names the states of the narrative state machine.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseLoadingText   Phase = "loading_text"
	PhaseLoadingUnlock Phase = "loading_unlock"
	PhaseLoadingImage  Phase = "loading_image"
	PhaseReady         Phase = "ready"
	PhaseEnding        Phase = "ending"
)

// StorySession holds one branching story in progress. All state transitions
// are whole-snapshot replacements: a failed step either fully commits or the
// prior state remains.
type StorySession struct {
	ID           string
	Config       *models.StoryConfig
	State        *models.StoryState
	Phase        Phase
	JustUnlocked *models.Character

	mu             sync.Mutex
	prefetchCancel context.CancelFunc
	prefetchSig    string
}

// SessionSnapshot is the read-only view handed to the API layer.
type SessionSnapshot struct {
	ID           string             `json:"id"`
	Phase        Phase              `json:"phase"`
	State        *models.StoryState `json:"state"`
	JustUnlocked *models.Character  `json:"just_unlocked,omitempty"`
}

// Snapshot returns a consistent copy of the session for rendering.
func (sess *StorySession) Snapshot() SessionSnapshot {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	stateCopy := copyState(sess.State)
	return SessionSnapshot{
		ID:           sess.ID,
		Phase:        sess.Phase,
		State:        stateCopy,
		JustUnlocked: sess.JustUnlocked,
	}
}

func (sess *StorySession) setPhase(p Phase) {
	sess.mu.Lock()
	sess.Phase = p
	sess.mu.Unlock()
}

// cancelPrefetchLocked stops the in-flight prefetcher. Callers hold sess.mu.
func (sess *StorySession) cancelPrefetchLocked() {
	if sess.prefetchCancel != nil {
		sess.prefetchCancel()
		sess.prefetchCancel = nil
	}
	sess.prefetchSig = ""
}

// StoryService is the orchestration core of the branching flow: it decides
// whether to use a prefetched step, fetch new text, resolve character
// unlocks, recompute the reference composite, generate the scene image, and
// commit the new snapshot. It also runs the speculative background
// prefetcher.
type StoryService struct {
	scenes     *SceneService
	images     *ImageService
	characters *CharacterService
	compositor *imaging.Compositor

	prefetchDelay time.Duration

	sessions map[string]*StorySession
	mu       sync.RWMutex
}

// NewStoryService creates the branching story orchestrator.
func NewStoryService(scenes *SceneService, images *ImageService, characters *CharacterService, compositor *imaging.Compositor, prefetchDelay time.Duration) *StoryService {
	return &StoryService{
		scenes:        scenes,
		images:        images,
		characters:    characters,
		compositor:    compositor,
		prefetchDelay: prefetchDelay,
		sessions:      make(map[string]*StorySession),
	}
}

// CreateSession allocates a fresh idle session.
func (s *StoryService) CreateSession() *StorySession {
	session := &StorySession{
		ID:    uuid.NewString(),
		State: models.NewStoryState(),
		Phase: PhaseIdle,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session
}

// GetSession returns the session with the given id, or nil.
func (s *StoryService) GetSession(id string) *StorySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// partyMember tracks one character in the forming party, ordered and
// deduplicated by key. Order matters: it fixes the left-to-right lineup in
// the composite, and new characters append to the right.
type partyMember struct {
	key         string
	name        string
	description string
	imageURL    string
}

type party struct {
	members []partyMember
	seen    map[string]bool
}

func newParty() *party {
	return &party{seen: make(map[string]bool)}
}

func (p *party) add(m partyMember) {
	if p.seen[m.key] {
		return
	}
	p.seen[m.key] = true
	p.members = append(p.members, m)
}

func (p *party) findRelaxed(name string) *partyMember {
	for i := range p.members {
		if NamesMatch(name, p.members[i].name) {
			return &p.members[i]
		}
	}
	return nil
}

func (p *party) imageURLs() []string {
	urls := make([]string, 0, len(p.members))
	for _, m := range p.members {
		urls = append(urls, m.imageURL)
	}
	return urls
}

func (p *party) hints() []models.KnownCharacter {
	var hints []models.KnownCharacter
	for _, m := range p.members {
		hints = append(hints, models.KnownCharacter{Name: m.name, Description: m.description})
	}
	return hints
}

// StartStory generates the opening scene for a session. Known characters are
// identified before generation, from the explicit selection and a
// word-boundary scan of the prompt, so the generator does not hallucinate a
// new look for a collected character.
func (s *StoryService) StartStory(ctx context.Context, sessionID string, cfg models.StoryConfig) (*StorySession, error) {
	session := s.GetSession(sessionID)
	if session == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("session not found: %s", sessionID), nil)
	}

	session.mu.Lock()
	session.cancelPrefetchLocked()
	session.JustUnlocked = nil
	prevPhase := session.Phase
	session.Phase = PhaseLoadingText
	session.mu.Unlock()

	registry, err := s.characters.List()
	if err != nil {
		session.setPhase(prevPhase)
		return nil, err
	}

	initialParty := newParty()
	for _, c := range s.characters.GetByIDs(cfg.SelectedCharacterIDs, registry) {
		initialParty.add(partyMember{key: c.ID, name: c.Name, description: c.Description, imageURL: c.ImageURL})
	}
	for _, c := range FindInPrompt(cfg.StartingSentence, registry) {
		initialParty.add(partyMember{key: c.ID, name: c.Name, description: c.Description, imageURL: c.ImageURL})
	}

	scene, err := s.scenes.GenerateScene(ctx, cfg.StartingSentence, cfg.ArtStyle, models.NewStoryState(), "", initialParty.hints())
	if err != nil {
		// The prior snapshot is untouched, so the prior phase still describes it.
		session.setPhase(prevPhase)
		return nil, err
	}

	session.setPhase(PhaseLoadingUnlock)

	var refDebug strings.Builder
	var justUnlocked *models.Character

	if scene.CharacterConcept != "" {
		mainName := scene.CharacterName
		if mainName == "" {
			mainName = "Main Character"
		}

		if member := initialParty.findRelaxed(mainName); member != nil {
			fmt.Fprintf(&refDebug, "Matched Party Member: %s (AI said: %s). ", member.name, mainName)
		} else if global := FindMatch(mainName, registry); global != nil {
			initialParty.add(partyMember{key: global.ID, name: global.Name, description: global.Description, imageURL: global.ImageURL})
			fmt.Fprintf(&refDebug, "Matched Global Collection: %s. ", global.Name)
		} else {
			refResult := s.images.GenerateCharacterReference(ctx, scene.CharacterConcept, cfg.ArtStyle)
			if refResult.ImageURL != "" {
				fmt.Fprintf(&refDebug, "Generated New Main: %s. ", mainName)

				unlocked, err := s.characters.Unlock(mainName, scene.CharacterConcept, refResult.ImageURL)
				if err != nil {
					logrus.WithError(err).Warn("failed to persist unlocked main character")
					initialParty.add(partyMember{key: mainName, name: mainName, description: scene.CharacterConcept, imageURL: refResult.ImageURL})
				} else {
					justUnlocked = unlocked
					initialParty.add(partyMember{key: unlocked.ID, name: unlocked.Name, description: unlocked.Description, imageURL: unlocked.ImageURL})
				}
			}
		}
	} else if len(initialParty.members) == 0 {
		// Rare: no character concept returned. Generate a generic hero so the
		// story still has a consistent protagonist.
		refResult := s.images.GenerateCharacterReference(ctx, "A cute character fitting the story: "+cfg.StartingSentence, cfg.ArtStyle)
		if refResult.ImageURL != "" {
			refDebug.WriteString("Fallback Gen. ")
			initialParty.add(partyMember{key: "fallback", name: "Hero", imageURL: refResult.ImageURL})
		}
	}

	partyURLs := initialParty.imageURLs()
	refImageURL := ""
	switch {
	case len(partyURLs) > 1:
		fmt.Fprintf(&refDebug, "Merging %d characters.", len(partyURLs))
		composite, err := s.compositor.ComposeLineup(ctx, partyURLs)
		if err != nil {
			// Recoverable: fall back to unconditioned generation.
			logrus.WithError(err).Error("failed to merge party images")
		} else {
			refImageURL = composite
		}
	case len(partyURLs) == 1:
		refImageURL = partyURLs[0]
	}

	session.setPhase(PhaseLoadingImage)
	img := s.images.GenerateSceneImage(ctx, scene.ImageDescription, cfg.ArtStyle, refImageURL)

	step := models.StoryStep{
		Scene:             scene,
		ImageURL:          img.ImageURL,
		DebugPrompt:       img.DebugPrompt,
		ActiveParty:       partyURLs,
		ReferenceImageURL: refImageURL,
	}

	state := models.NewStoryState()
	state.CurrentDepth = 1
	state.CurrentIndex = 0
	state.History = []models.StoryStep{step}
	state.CurrentScene = scene
	state.CurrentImageURL = img.ImageURL
	state.CurrentDebugPrompt = img.DebugPrompt
	state.ReferenceImageURL = refImageURL
	state.ActiveParty = partyURLs
	state.RefDebugPrompt = refDebug.String()
	state.IsEnding = scene.IsEnding

	session.mu.Lock()
	session.Config = &cfg
	session.State = state
	session.JustUnlocked = justUnlocked
	if scene.IsEnding {
		session.Phase = PhaseEnding
	} else {
		session.Phase = PhaseReady
	}
	session.mu.Unlock()

	s.schedulePrefetch(session)
	return session, nil
}

// HandleChoice advances the story along the chosen option:
//
//  1. use the prefetched step for this (depth, choice) when present,
//     otherwise fetch new text;
//  2. resolve a new_character into the party (returning friend or fresh
//     unlock);
//  3. on a party change, recompute the composite reference and drop any
//     pregenerated image, whose identity conditioning is now stale;
//  4. generate the scene image if none survived;
//  5. commit the step, truncating any forward branch left by back-navigation.
//
// A text failure leaves the session in its pre-choice state so the user may
// retry.
func (s *StoryService) HandleChoice(ctx context.Context, sessionID, choice string) (*StorySession, error) {
	session := s.GetSession(sessionID)
	if session == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("session not found: %s", sessionID), nil)
	}

	session.mu.Lock()
	if session.Config == nil || session.State.CurrentScene == nil {
		session.mu.Unlock()
		return nil, apperrors.NewValidationError("no active story in this session", nil)
	}
	if session.State.IsEnding {
		session.mu.Unlock()
		return nil, apperrors.NewValidationError("the story has ended; go back or restart", nil)
	}

	cfg := *session.Config
	state := session.State
	cacheKey := prefetchKey(state.CurrentDepth, choice)
	cached, hasCached := state.PrefetchCache[cacheKey]
	nextParty := append([]string(nil), state.ActiveParty...)
	nextRef := state.ReferenceImageURL
	contextState := copyState(state)
	session.JustUnlocked = nil
	session.mu.Unlock()

	var scene *models.Scene
	var imageURL, debugPrompt string

	if hasCached {
		scene = cached.Step.Scene
		// The cached image is only valid against the reference it was
		// generated with.
		if cached.Fingerprint == nextRef {
			imageURL = cached.Step.ImageURL
			debugPrompt = cached.Step.DebugPrompt
		}
	} else {
		session.setPhase(PhaseLoadingText)
		generated, err := s.scenes.GenerateScene(ctx, cfg.StartingSentence, cfg.ArtStyle, contextState, choice, nil)
		if err != nil {
			session.setPhase(PhaseReady)
			return nil, err
		}
		scene = generated
	}

	var justUnlocked *models.Character
	if scene.NewCharacter != nil {
		session.setPhase(PhaseLoadingUnlock)

		partyUpdated := false
		newName := scene.NewCharacter.Name

		registry, err := s.characters.List()
		if err != nil {
			logrus.WithError(err).Warn("failed to load character registry during unlock")
		}

		if existing := FindMatch(newName, registry); existing != nil {
			logrus.WithFields(logrus.Fields{"name": newName, "matched": existing.Name}).
				Info("returning friend detected")
			if !containsString(nextParty, existing.ImageURL) {
				nextParty = append(nextParty, existing.ImageURL)
				partyUpdated = true
				justUnlocked = existing
			}
		} else {
			refResult := s.images.GenerateCharacterReference(ctx, scene.NewCharacter.Description, cfg.ArtStyle)
			if refResult.ImageURL != "" {
				unlocked, err := s.characters.Unlock(newName, scene.NewCharacter.Description, refResult.ImageURL)
				if err != nil {
					logrus.WithError(err).Warn("failed to persist unlocked character")
				} else {
					justUnlocked = unlocked
				}
				nextParty = append(nextParty, refResult.ImageURL)
				partyUpdated = true
			}
		}

		if partyUpdated {
			composite, err := s.compositor.ComposeLineup(ctx, nextParty)
			if err != nil {
				logrus.WithError(err).Error("failed to merge party images")
			} else {
				nextRef = composite
				// Changed reference invalidates any pregenerated image.
				imageURL = ""
				debugPrompt = ""
			}
		}
	}

	if imageURL == "" {
		session.setPhase(PhaseLoadingImage)
		img := s.images.GenerateSceneImage(ctx, scene.ImageDescription, cfg.ArtStyle, nextRef)
		imageURL = img.ImageURL
		debugPrompt = img.DebugPrompt
	}

	step := models.StoryStep{
		Scene:             scene,
		ImageURL:          imageURL,
		DebugPrompt:       debugPrompt,
		ActiveParty:       nextParty,
		ReferenceImageURL: nextRef,
	}

	session.mu.Lock()
	state = session.State
	historyUpToNow := state.History[:state.CurrentIndex+1]
	pathUpToNow := state.Path[:state.CurrentIndex]

	state.History = append(append([]models.StoryStep(nil), historyUpToNow...), step)
	state.Path = append(append([]string(nil), pathUpToNow...), choice)
	state.CurrentDepth++
	state.CurrentIndex++
	state.CurrentScene = scene
	state.CurrentImageURL = imageURL
	state.CurrentDebugPrompt = debugPrompt
	state.ActiveParty = nextParty
	state.ReferenceImageURL = nextRef
	state.IsEnding = scene.IsEnding
	session.JustUnlocked = justUnlocked
	if scene.IsEnding {
		session.Phase = PhaseEnding
	} else {
		session.Phase = PhaseReady
	}
	session.mu.Unlock()

	s.schedulePrefetch(session)
	return session, nil
}

// HandleBack restores the previous step verbatim, including its party and
// reference snapshot; party composition can differ between steps and a stale
// lineup after navigating back would break visual identity. Back at the first
// step is a full restart.
func (s *StoryService) HandleBack(sessionID string) (*StorySession, error) {
	session := s.GetSession(sessionID)
	if session == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("session not found: %s", sessionID), nil)
	}

	session.mu.Lock()
	state := session.State

	if state.CurrentIndex <= 0 {
		session.resetLocked()
		session.mu.Unlock()
		return session, nil
	}

	newIndex := state.CurrentIndex - 1
	previous := state.History[newIndex]

	state.CurrentDepth--
	state.CurrentIndex = newIndex
	state.CurrentScene = previous.Scene
	state.CurrentImageURL = previous.ImageURL
	state.CurrentDebugPrompt = previous.DebugPrompt
	state.ActiveParty = previous.ActiveParty
	if state.ActiveParty == nil {
		state.ActiveParty = []string{}
	}
	state.ReferenceImageURL = previous.ReferenceImageURL
	state.IsEnding = false
	session.JustUnlocked = nil
	session.Phase = PhaseReady
	session.mu.Unlock()

	s.schedulePrefetch(session)
	return session, nil
}

// Restart clears the session back to idle.
func (s *StoryService) Restart(sessionID string) (*StorySession, error) {
	session := s.GetSession(sessionID)
	if session == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("session not found: %s", sessionID), nil)
	}

	session.mu.Lock()
	session.resetLocked()
	session.mu.Unlock()
	return session, nil
}

func (sess *StorySession) resetLocked() {
	sess.cancelPrefetchLocked()
	sess.Config = nil
	sess.State = models.NewStoryState()
	sess.Phase = PhaseIdle
	sess.JustUnlocked = nil
}

// prefetchKey builds the cache key for a speculative step.
func prefetchKey(depth int, choice string) string {
	return fmt.Sprintf("%d-%s", depth, choice)
}

// prefetchSignature identifies the trigger a prefetch run was started for.
// When the signature changes, results of the old run are discarded rather
// than the network call cancelled; writes are additive and keyed, so a stale
// write is wasted work, not a correctness failure.
func prefetchSignature(state *models.StoryState) string {
	return fmt.Sprintf("%d|%s|%s|%t", state.CurrentDepth, state.CurrentScene.SceneText, state.ReferenceImageURL, state.IsEnding)
}

// schedulePrefetch restarts the background prefetcher for the current scene
// after the configured quiet delay.
func (s *StoryService) schedulePrefetch(session *StorySession) {
	session.mu.Lock()

	state := session.State
	cfg := session.Config
	if cfg == nil || state.CurrentScene == nil || state.IsEnding || state.ReferenceImageURL == "" {
		session.cancelPrefetchLocked()
		session.mu.Unlock()
		return
	}

	sig := prefetchSignature(state)
	if sig == session.prefetchSig && session.prefetchCancel != nil {
		session.mu.Unlock()
		return
	}

	session.cancelPrefetchLocked()
	ctx, cancel := context.WithCancel(context.Background())
	session.prefetchCancel = cancel
	session.prefetchSig = sig

	run := prefetchRun{
		cfg:          *cfg,
		scene:        state.CurrentScene,
		depth:        state.CurrentDepth,
		ref:          state.ReferenceImageURL,
		party:        append([]string(nil), state.ActiveParty...),
		contextState: copyState(state),
		sig:          sig,
	}
	session.mu.Unlock()

	go s.runPrefetch(ctx, session, run)
}

type prefetchRun struct {
	cfg          models.StoryConfig
	scene        *models.Scene
	depth        int
	ref          string
	party        []string
	contextState *models.StoryState
	sig          string
}

// runPrefetch speculatively generates a step for each unconsumed option of
// the current scene. Speculation never synthesizes a new character reference:
// identity for an unseen character cannot be decided without a user-visible
// unlock, so branches that introduce one are cached text-only and their image
// is generated when actually chosen.
func (s *StoryService) runPrefetch(ctx context.Context, session *StorySession, run prefetchRun) {
	select {
	case <-time.After(s.prefetchDelay):
	case <-ctx.Done():
		return
	}

	for _, option := range run.scene.Options() {
		if ctx.Err() != nil {
			return
		}

		cacheKey := prefetchKey(run.depth, option)
		session.mu.Lock()
		_, exists := session.State.PrefetchCache[cacheKey]
		session.mu.Unlock()
		if exists {
			continue
		}

		// Forced fresh fetch, no cache reuse and no known-character hints.
		next, err := s.scenes.GenerateScene(ctx, run.cfg.StartingSentence, run.cfg.ArtStyle, run.contextState, option, nil)
		if err != nil {
			logrus.WithError(err).WithField("option", option).Warn("prefetch failed")
			continue
		}

		step := models.StoryStep{
			Scene:             next,
			ActiveParty:       run.party,
			ReferenceImageURL: run.ref,
		}

		if next.NewCharacter == nil {
			img := s.images.GenerateSceneImage(ctx, next.ImageDescription, run.cfg.ArtStyle, run.ref)
			step.ImageURL = img.ImageURL
			step.DebugPrompt = img.DebugPrompt
		} else {
			logrus.WithFields(logrus.Fields{"option": option, "character": next.NewCharacter.Name}).
				Info("prefetched scene introduces a character; caching text only")
		}

		session.mu.Lock()
		if session.prefetchSig == run.sig {
			session.State.PrefetchCache[cacheKey] = models.PrefetchedStep{Step: step, Fingerprint: run.ref}
		}
		session.mu.Unlock()
	}
}

// copyState makes a shallow-plus-slices copy of the narrative state, enough
// for concurrent readers building prompt context. The prefetch cache is not
// copied.
func copyState(state *models.StoryState) *models.StoryState {
	if state == nil {
		return nil
	}
	clone := *state
	clone.History = append([]models.StoryStep(nil), state.History...)
	clone.Path = append([]string(nil), state.Path...)
	clone.ActiveParty = append([]string(nil), state.ActiveParty...)
	clone.PrefetchCache = nil
	return &clone
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
