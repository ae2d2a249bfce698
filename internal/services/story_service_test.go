// internal/services/story_service_test.go
package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/imagegen"
	"github.com/Corphon/StoryWeaver/internal/imaging"
	"github.com/Corphon/StoryWeaver/internal/llm"
	"github.com/Corphon/StoryWeaver/internal/models"
	"github.com/Corphon/StoryWeaver/internal/storage"
)

const openingScene = `{"scene_text":"Pip woke up in the meadow.","image_description":"A fox in a meadow.","option_1":"Follow the butterfly","option_2":"Climb the hill","is_ending":false,"character_concept":"A small orange fox","character_name":"Pip"}`

// scriptedText serves completion responses in order, repeating the last one
// once exhausted. With failing set it returns 500 without consuming a response.
type scriptedText struct {
	mu        sync.Mutex
	responses []string
	calls     int
	failing   bool
}

func (s *scriptedText) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		http.Error(w, "generator unavailable", http.StatusInternalServerError)
		return
	}
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := s.responses[idx]
	s.mu.Unlock()
	fmt.Fprintf(w, `{"content": %q}`, resp)
}

func (s *scriptedText) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *scriptedText) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// pngBase64 encodes a small solid PNG so generated "images" are real data URIs
// the compositor can decode.
func pngBase64(c color.Color) string {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type storyFixture struct {
	service    *StoryService
	characters *CharacterService
	text       *scriptedText
	imageCalls *int32
}

func newStoryFixture(t *testing.T, prefetchDelay time.Duration, responses ...string) *storyFixture {
	t.Helper()

	text := &scriptedText{responses: responses}
	textSrv := httptest.NewServer(http.HandlerFunc(text.handler))
	t.Cleanup(textSrv.Close)

	// Every image call returns a distinct tiny PNG so composites and
	// references stay distinguishable.
	var imageCalls int32
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&imageCalls, 1)
		b64 := pngBase64(color.RGBA{R: uint8(n), G: 0, B: 0, A: 255})
		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, b64)
	}))
	t.Cleanup(imgSrv.Close)

	store, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	characters := NewCharacterService(store)
	scenes := NewSceneService(llm.NewClient(textSrv.URL, "k", "m", textSrv.Client()))
	images := NewImageService(imagegen.NewClient(imgSrv.URL, imgSrv.URL, "k", imgSrv.Client()))
	service := NewStoryService(scenes, images, characters, imaging.NewCompositor(nil), prefetchDelay)

	return &storyFixture{service: service, characters: characters, text: text, imageCalls: &imageCalls}
}

func (f *storyFixture) imageCallCount() int32 {
	return atomic.LoadInt32(f.imageCalls)
}

func waitForCache(t *testing.T, sess *StorySession, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		got := len(sess.State.PrefetchCache)
		sess.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("prefetch cache never reached %d entries", n)
}

func startConfig() models.StoryConfig {
	return models.StoryConfig{StartingSentence: "A fox goes on an adventure", ArtStyle: "watercolor"}
}

func TestStartStoryUnlocksMainCharacter(t *testing.T) {
	f := newStoryFixture(t, time.Hour, openingScene)
	session := f.service.CreateSession()

	got, err := f.service.StartStory(context.Background(), session.ID, startConfig())
	if err != nil {
		t.Fatalf("StartStory: %v", err)
	}

	snap := got.Snapshot()
	if snap.Phase != PhaseReady {
		t.Errorf("Phase = %s, want %s", snap.Phase, PhaseReady)
	}
	if snap.State.CurrentDepth != 1 || snap.State.CurrentIndex != 0 {
		t.Errorf("depth/index = %d/%d, want 1/0", snap.State.CurrentDepth, snap.State.CurrentIndex)
	}
	if snap.JustUnlocked == nil || snap.JustUnlocked.Name != "Pip" {
		t.Fatalf("JustUnlocked = %+v, want Pip", snap.JustUnlocked)
	}
	if len(snap.State.ActiveParty) != 1 {
		t.Fatalf("ActiveParty = %v, want one member", snap.State.ActiveParty)
	}
	// A single-member party uses the reference directly, no composite.
	if snap.State.ReferenceImageURL != snap.State.ActiveParty[0] {
		t.Error("single-member reference should be the member's own image")
	}
	if snap.State.CurrentImageURL == "" {
		t.Error("opening scene should carry an image")
	}

	registry, err := f.characters.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(registry) != 1 || registry[0].Name != "Pip" {
		t.Errorf("registry = %+v, want unlocked Pip", registry)
	}
}

func TestStartStoryFailureKeepsPriorStory(t *testing.T) {
	ending := `{"scene_text":"And they lived happily.","image_description":"A sunset.","is_ending":true,"character_concept":"A small orange fox","character_name":"Pip"}`
	f := newStoryFixture(t, time.Hour, ending)
	session := f.service.CreateSession()
	ctx := context.Background()

	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}

	f.text.setFailing(true)
	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); !apperrors.IsUpstreamError(err) {
		t.Fatalf("StartStory with failing generator: got %v, want upstream error", err)
	}

	// The finished story survives a failed restart attempt intact.
	snap := session.Snapshot()
	if snap.Phase != PhaseEnding {
		t.Errorf("Phase = %s, want %s", snap.Phase, PhaseEnding)
	}
	if len(snap.State.History) != 1 {
		t.Errorf("history = %d steps, want the prior story intact", len(snap.State.History))
	}
	if snap.State.CurrentScene == nil || snap.State.CurrentScene.SceneText != "And they lived happily." {
		t.Error("prior scene should survive a failed restart")
	}
}

func TestChoiceUnlockBackAndRecommit(t *testing.T) {
	sceneWithLuna := `{"scene_text":"Pip met Luna the owl.","image_description":"A fox and an owl.","option_1":"Ask for help","option_2":"Fly away","is_ending":false,"new_character":{"name":"Luna","description":"A wise grey owl"}}`
	sceneAlone := `{"scene_text":"Pip climbed alone.","image_description":"A fox on a hill.","option_1":"Rest","option_2":"Keep going","is_ending":false}`

	f := newStoryFixture(t, time.Hour, openingScene, sceneWithLuna, sceneAlone)
	session := f.service.CreateSession()
	ctx := context.Background()

	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	before := session.Snapshot()

	if _, err := f.service.HandleChoice(ctx, session.ID, "Follow the butterfly"); err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}
	after := session.Snapshot()

	if len(after.State.ActiveParty) != 2 {
		t.Fatalf("party after unlock = %v, want two members", after.State.ActiveParty)
	}
	if after.State.ReferenceImageURL == before.State.ReferenceImageURL {
		t.Error("reference should be recomposed after a party change")
	}
	if after.JustUnlocked == nil || after.JustUnlocked.Name != "Luna" {
		t.Errorf("JustUnlocked = %+v, want Luna", after.JustUnlocked)
	}

	registry, _ := f.characters.List()
	if len(registry) != 2 {
		t.Fatalf("registry has %d characters, want 2", len(registry))
	}

	if _, err := f.service.HandleBack(session.ID); err != nil {
		t.Fatalf("HandleBack: %v", err)
	}
	restored := session.Snapshot()

	if restored.State.CurrentIndex != 0 || restored.State.CurrentDepth != 1 {
		t.Errorf("depth/index = %d/%d, want 1/0", restored.State.CurrentDepth, restored.State.CurrentIndex)
	}
	if restored.State.ReferenceImageURL != before.State.ReferenceImageURL {
		t.Error("back should restore the step's reference snapshot")
	}
	if len(restored.State.ActiveParty) != 1 {
		t.Errorf("back should restore the step's party, got %v", restored.State.ActiveParty)
	}
	if restored.State.IsEnding {
		t.Error("back always clears the ending flag")
	}
	if restored.JustUnlocked != nil {
		t.Error("back should clear JustUnlocked")
	}
	// History keeps the forward branch until a new choice truncates it.
	if len(restored.State.History) != 2 {
		t.Fatalf("history = %d steps, want 2", len(restored.State.History))
	}

	if _, err := f.service.HandleChoice(ctx, session.ID, "Climb the hill"); err != nil {
		t.Fatalf("HandleChoice after back: %v", err)
	}
	recommit := session.Snapshot()

	if len(recommit.State.History) != 2 {
		t.Fatalf("history = %d steps after recommit, want 2", len(recommit.State.History))
	}
	if recommit.State.History[1].Scene.SceneText != "Pip climbed alone." {
		t.Errorf("forward branch not replaced: %q", recommit.State.History[1].Scene.SceneText)
	}
	if len(recommit.State.Path) != 1 || recommit.State.Path[0] != "Climb the hill" {
		t.Errorf("path = %v, want the new choice only", recommit.State.Path)
	}
}

func TestChoiceReturningFriendReusesReference(t *testing.T) {
	sceneWithBenny := `{"scene_text":"Benny bounced out of the bushes.","image_description":"A fox and a gummy bear.","option_1":"Share a snack","option_2":"Keep walking","is_ending":false,"new_character":{"name":"Benny","description":"A squishy green gummy bear"}}`

	f := newStoryFixture(t, time.Hour, openingScene, sceneWithBenny)

	bennyURL := "data:image/png;base64," + pngBase64(color.RGBA{B: 255, A: 255})
	if _, err := f.characters.Unlock("Benny the Gummy Bear", "A squishy green gummy bear", bennyURL); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	session := f.service.CreateSession()
	ctx := context.Background()
	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	imageCalls := f.imageCallCount()

	if _, err := f.service.HandleChoice(ctx, session.ID, "Follow the butterfly"); err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}
	snap := session.Snapshot()

	// "Benny" resolves to the collected "Benny the Gummy Bear" by containment.
	if snap.JustUnlocked == nil || snap.JustUnlocked.Name != "Benny the Gummy Bear" {
		t.Fatalf("JustUnlocked = %+v, want the collected Benny", snap.JustUnlocked)
	}
	if len(snap.State.ActiveParty) != 2 {
		t.Fatalf("party = %v, want two members", snap.State.ActiveParty)
	}
	if snap.State.ActiveParty[1] != bennyURL {
		t.Error("returning friend should join with the collected reference image")
	}

	registry, err := f.characters.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(registry) != 2 {
		t.Fatalf("registry has %d characters, want 2 (no duplicate unlock)", len(registry))
	}

	// Only the scene image is generated; the friend's reference is reused.
	if got := f.imageCallCount(); got != imageCalls+1 {
		t.Errorf("image calls = %d, want %d", got, imageCalls+1)
	}
}

func TestHandleBackAtFirstStepResets(t *testing.T) {
	f := newStoryFixture(t, time.Hour, openingScene)
	session := f.service.CreateSession()

	if _, err := f.service.StartStory(context.Background(), session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	if _, err := f.service.HandleBack(session.ID); err != nil {
		t.Fatalf("HandleBack: %v", err)
	}

	snap := session.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Errorf("Phase = %s, want %s", snap.Phase, PhaseIdle)
	}
	if len(snap.State.History) != 0 || snap.State.CurrentIndex != -1 {
		t.Errorf("state not reset: index %d, %d history steps", snap.State.CurrentIndex, len(snap.State.History))
	}

	session.mu.Lock()
	cfg := session.Config
	session.mu.Unlock()
	if cfg != nil {
		t.Error("reset should clear the config")
	}
}

func TestChoiceGuards(t *testing.T) {
	ending := `{"scene_text":"And they lived happily.","image_description":"A sunset.","is_ending":true,"character_concept":"A small orange fox","character_name":"Pip"}`
	f := newStoryFixture(t, time.Hour, ending)
	session := f.service.CreateSession()
	ctx := context.Background()

	_, err := f.service.HandleChoice(ctx, session.ID, "anything")
	if !apperrors.IsValidationError(err) {
		t.Fatalf("choice before start: got %v, want validation error", err)
	}

	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	if got := session.Snapshot().Phase; got != PhaseEnding {
		t.Errorf("Phase = %s, want %s", got, PhaseEnding)
	}

	_, err = f.service.HandleChoice(ctx, session.ID, "anything")
	if !apperrors.IsValidationError(err) {
		t.Fatalf("choice after ending: got %v, want validation error", err)
	}

	_, err = f.service.HandleChoice(ctx, "no-such-session", "anything")
	if !apperrors.IsNotFoundError(err) {
		t.Fatalf("unknown session: got %v, want not found", err)
	}
}

func TestPrefetchedStepConsumedWithoutRefetch(t *testing.T) {
	endingA := `{"scene_text":"Pip caught the butterfly. The end.","image_description":"A fox with a butterfly.","is_ending":true}`
	sceneB := `{"scene_text":"Pip climbed the hill.","image_description":"A fox on a hill.","option_1":"Rest","option_2":"Keep going","is_ending":false}`

	f := newStoryFixture(t, 10*time.Millisecond, openingScene, endingA, sceneB)
	session := f.service.CreateSession()
	ctx := context.Background()

	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	waitForCache(t, session, 2)

	textCalls := f.text.callCount()
	imageCalls := f.imageCallCount()
	if textCalls != 3 {
		t.Fatalf("text calls after prefetch = %d, want 3", textCalls)
	}

	if _, err := f.service.HandleChoice(ctx, session.ID, "Follow the butterfly"); err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}

	snap := session.Snapshot()
	if snap.State.CurrentScene.SceneText != "Pip caught the butterfly. The end." {
		t.Errorf("CurrentScene = %q, want the prefetched scene", snap.State.CurrentScene.SceneText)
	}
	if snap.State.CurrentImageURL == "" {
		t.Error("prefetched image should be reused")
	}
	if got := f.text.callCount(); got != textCalls {
		t.Errorf("text calls = %d after choice, want %d (no refetch)", got, textCalls)
	}
	if got := f.imageCallCount(); got != imageCalls {
		t.Errorf("image calls = %d after choice, want %d (cached image reused)", got, imageCalls)
	}
}

func TestPrefetchNewCharacterCachedTextOnly(t *testing.T) {
	sceneWithLuna := `{"scene_text":"Pip met Luna the owl.","image_description":"A fox and an owl.","option_1":"Ask","option_2":"Hide","is_ending":false,"new_character":{"name":"Luna","description":"A wise grey owl"}}`
	sceneB := `{"scene_text":"Pip climbed the hill.","image_description":"A fox on a hill.","option_1":"Rest","option_2":"Keep going","is_ending":false}`

	f := newStoryFixture(t, 10*time.Millisecond, openingScene, sceneWithLuna, sceneB)
	session := f.service.CreateSession()

	if _, err := f.service.StartStory(context.Background(), session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	waitForCache(t, session, 2)

	session.mu.Lock()
	cached, ok := session.State.PrefetchCache[prefetchKey(1, "Follow the butterfly")]
	session.mu.Unlock()
	if !ok {
		t.Fatal("missing prefetch entry for the first option")
	}
	if cached.Step.Scene.NewCharacter == nil {
		t.Fatal("cached scene should carry the new character")
	}
	if cached.Step.ImageURL != "" {
		t.Error("a branch introducing a character must be cached text-only")
	}

	// StartStory needs 2 images; prefetch adds one for the branch without a
	// new character and none for the other.
	if got := f.imageCallCount(); got != 3 {
		t.Errorf("image calls = %d, want 3", got)
	}
}

func TestPrefetchStaleWriterDiscarded(t *testing.T) {
	branchA := `{"scene_text":"Pip chased the butterfly.","image_description":"A fox leaping.","option_1":"Leap","option_2":"Wait","is_ending":false}`
	branchB := `{"scene_text":"Pip reached the top.","image_description":"A fox on a summit.","option_1":"Look around","option_2":"Head down","is_ending":false}`

	f := newStoryFixture(t, time.Hour, openingScene, branchA, branchB)
	session := f.service.CreateSession()
	ctx := context.Background()

	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}

	// A second service over the same dependencies runs the prefetcher
	// synchronously, standing in for overlapping background runs.
	runner := NewStoryService(f.service.scenes, f.service.images, f.service.characters, f.service.compositor, 0)

	session.mu.Lock()
	live := prefetchRun{
		cfg:          *session.Config,
		scene:        session.State.CurrentScene,
		depth:        session.State.CurrentDepth,
		ref:          session.State.ReferenceImageURL,
		party:        append([]string(nil), session.State.ActiveParty...),
		contextState: copyState(session.State),
		sig:          session.prefetchSig,
	}
	session.mu.Unlock()

	stale := live
	stale.ref = "data:image/png;base64,old"
	stale.sig = "1|an earlier scene|old|false"

	runner.runPrefetch(ctx, session, stale)

	session.mu.Lock()
	afterStale := len(session.State.PrefetchCache)
	session.mu.Unlock()
	if afterStale != 0 {
		t.Fatalf("stale run wrote %d cache entries, want 0", afterStale)
	}

	runner.runPrefetch(ctx, session, live)

	session.mu.Lock()
	entries := make(map[string]models.PrefetchedStep, len(session.State.PrefetchCache))
	for k, v := range session.State.PrefetchCache {
		entries[k] = v
	}
	session.mu.Unlock()

	if len(entries) != 2 {
		t.Fatalf("cache has %d entries, want one per option", len(entries))
	}
	for _, option := range []string{"Follow the butterfly", "Climb the hill"} {
		entry, ok := entries[prefetchKey(1, option)]
		if !ok {
			t.Fatalf("missing cache entry for %q", option)
		}
		if entry.Fingerprint != live.ref {
			t.Errorf("fingerprint for %q = %q, want the live reference", option, entry.Fingerprint)
		}
	}

	// A rerun over already-cached keys neither refetches nor overwrites.
	textCalls := f.text.callCount()
	runner.runPrefetch(ctx, session, stale)
	if got := f.text.callCount(); got != textCalls {
		t.Errorf("rerun made %d extra text calls, want 0", got-textCalls)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	for k, v := range session.State.PrefetchCache {
		if v.Fingerprint != entries[k].Fingerprint {
			t.Errorf("entry %q rewritten by a stale run", k)
		}
	}
}

func TestStaleFingerprintRegeneratesImage(t *testing.T) {
	f := newStoryFixture(t, time.Hour, openingScene)
	session := f.service.CreateSession()
	ctx := context.Background()

	if _, err := f.service.StartStory(ctx, session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}

	cachedScene := &models.Scene{
		SceneText:        "Pip followed the butterfly.",
		ImageDescription: "A fox chasing a butterfly.",
		Option1:          "Left",
		Option2:          "Right",
	}
	session.mu.Lock()
	session.State.PrefetchCache[prefetchKey(1, "Follow the butterfly")] = models.PrefetchedStep{
		Step:        models.StoryStep{Scene: cachedScene, ImageURL: "data:image/png;base64,stale"},
		Fingerprint: "some-other-reference",
	}
	session.mu.Unlock()

	textCalls := f.text.callCount()
	imageCalls := f.imageCallCount()

	if _, err := f.service.HandleChoice(ctx, session.ID, "Follow the butterfly"); err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}

	snap := session.Snapshot()
	if snap.State.CurrentScene.SceneText != "Pip followed the butterfly." {
		t.Error("cached text should survive a fingerprint mismatch")
	}
	if snap.State.CurrentImageURL == "data:image/png;base64,stale" {
		t.Error("stale image should be regenerated")
	}
	if snap.State.CurrentImageURL == "" {
		t.Error("a fresh image should replace the stale one")
	}
	if got := f.text.callCount(); got != textCalls {
		t.Errorf("text calls = %d, want %d (cached text reused)", got, textCalls)
	}
	if got := f.imageCallCount(); got != imageCalls+1 {
		t.Errorf("image calls = %d, want %d", got, imageCalls+1)
	}
}

func TestRestartClearsSession(t *testing.T) {
	f := newStoryFixture(t, time.Hour, openingScene)
	session := f.service.CreateSession()

	if _, err := f.service.StartStory(context.Background(), session.ID, startConfig()); err != nil {
		t.Fatalf("StartStory: %v", err)
	}
	if _, err := f.service.Restart(session.ID); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	snap := session.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Errorf("Phase = %s, want %s", snap.Phase, PhaseIdle)
	}
	if len(snap.State.History) != 0 {
		t.Errorf("history = %d steps, want 0", len(snap.State.History))
	}
}
