// internal/services/social_service_test.go
package services

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/imagegen"
	"github.com/Corphon/StoryWeaver/internal/imaging"
	"github.com/Corphon/StoryWeaver/internal/llm"
	"github.com/Corphon/StoryWeaver/internal/models"
)

type socialFixture struct {
	service      *SocialStoryService
	text         *scriptedText
	imageCalls   *int32
	imagePrompts *[]string
	promptsMu    *sync.Mutex
}

func newSocialFixture(t *testing.T, responses ...string) *socialFixture {
	t.Helper()

	text := &scriptedText{responses: responses}
	textSrv := httptest.NewServer(http.HandlerFunc(text.handler))
	t.Cleanup(textSrv.Close)

	var imageCalls int32
	var prompts []string
	var promptsMu sync.Mutex
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&imageCalls, 1)
		raw, _ := io.ReadAll(r.Body)
		promptsMu.Lock()
		prompts = append(prompts, string(raw))
		promptsMu.Unlock()
		b64 := pngBase64(color.RGBA{R: 0, G: uint8(n), B: 0, A: 255})
		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, b64)
	}))
	t.Cleanup(imgSrv.Close)

	scenes := NewSceneService(llm.NewClient(textSrv.URL, "k", "m", textSrv.Client()))
	images := NewImageService(imagegen.NewClient(imgSrv.URL, imgSrv.URL, "k", imgSrv.Client()))
	service := NewSocialStoryService(scenes, images, imaging.NewCompositor(nil))

	return &socialFixture{
		service:      service,
		text:         text,
		imageCalls:   &imageCalls,
		imagePrompts: &prompts,
		promptsMu:    &promptsMu,
	}
}

func (f *socialFixture) promptsContaining(substr string) int {
	f.promptsMu.Lock()
	defer f.promptsMu.Unlock()
	count := 0
	for _, p := range *f.imagePrompts {
		if strings.Contains(p, substr) {
			count++
		}
	}
	return count
}

func socialConfig() models.SocialStoryConfig {
	return models.SocialStoryConfig{
		ChildName:       "Maya",
		ChildAppearance: "a girl with curly brown hair and a yellow dress",
		ArtStyle:        "soft watercolor",
	}
}

func TestSocialGenerateRoleKeyedReferences(t *testing.T) {
	scene1 := `{"scene_number":1,"scene_title":"Arriving","scene_text":"You will go to the clinic today.","image_description":"A child walking into a bright clinic.","is_final_scene":false}`
	scene2 := `{"scene_number":2,"scene_title":"Meeting the Doctor","scene_text":"You will meet the doctor. She is friendly.","image_description":"A friendly doctor greeting a child.","person_introduced":{"role":"doctor","name":"Dr. Rosa","description":"a woman in a white coat with curly hair","what_they_do":"She checks how you are growing"},"is_final_scene":false}`
	scene3 := `{"scene_number":3,"scene_title":"The Checkup","scene_text":"The doctor will listen to your heart.","image_description":"A doctor using a stethoscope on a child.","is_final_scene":true}`

	f := newSocialFixture(t, scene1, scene2, scene3)

	custom := &models.CustomScenarioInput{
		Title:           "Doctor checkup",
		Description:     "A routine visit to the doctor",
		EstimatedScenes: 3,
	}

	var updates []SocialProgressUpdate
	state, err := f.service.Generate(context.Background(), socialConfig(), nil, custom, func(u SocialProgressUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(state.Scenes) != 3 {
		t.Fatalf("scenes = %d, want 3", len(state.Scenes))
	}
	if !state.IsComplete || state.IsGenerating {
		t.Errorf("IsComplete=%t IsGenerating=%t, want complete and not generating", state.IsComplete, state.IsGenerating)
	}
	if state.ChildCharacterRef == "" {
		t.Error("child reference should be generated up front")
	}
	if _, ok := state.PeopleRefs["doctor"]; !ok {
		t.Fatalf("PeopleRefs = %v, want an entry keyed by role", state.PeopleRefs)
	}

	// Exactly two reference sheets: the child and the doctor. Scene 3
	// mentions the doctor again but must not trigger a second reference.
	if got := f.promptsContaining("character reference sheet"); got != 2 {
		t.Errorf("reference sheet generations = %d, want 2", got)
	}

	// Scene 3 has no person_introduced but mentions the doctor, so the
	// enhanced prompt restates her appearance from the introduction scene.
	scene3Prompt := state.Scenes[2].DebugPrompt
	if !strings.Contains(scene3Prompt, "a woman in a white coat with curly hair") {
		t.Errorf("scene 3 prompt missing the recurring doctor's appearance:\n%s", scene3Prompt)
	}
	if !strings.Contains(scene3Prompt, "Maya is a girl with curly brown hair") {
		t.Errorf("scene 3 prompt missing the child's appearance:\n%s", scene3Prompt)
	}

	// Progress ends with a complete update carrying the final state.
	last := updates[len(updates)-1]
	if last.Stage != "complete" {
		t.Fatalf("last stage = %q, want complete", last.Stage)
	}
	if last.State == nil || len(last.State.Scenes) != 3 {
		t.Error("complete update should carry the full state")
	}

	sceneDone := 0
	for _, u := range updates {
		if u.Stage == "scene_done" {
			sceneDone++
			if u.State == nil || len(u.State.Scenes) != u.SceneNumber {
				t.Errorf("scene_done %d carried %d scenes", u.SceneNumber, len(u.State.Scenes))
			}
		}
	}
	if sceneDone != 3 {
		t.Errorf("scene_done updates = %d, want 3", sceneDone)
	}
}

func TestSocialGenerateTextFailureAborts(t *testing.T) {
	scene1 := `{"scene_number":1,"scene_title":"Arriving","scene_text":"You will go to the clinic today.","image_description":"A child walking into a clinic.","is_final_scene":false}`

	text := &scriptedText{responses: []string{scene1}}
	var textCalls int32
	textSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&textCalls, 1) > 1 {
			http.Error(w, "model overloaded", http.StatusInternalServerError)
			return
		}
		text.handler(w, r)
	}))
	defer textSrv.Close()

	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, pngBase64(color.RGBA{A: 255}))
	}))
	defer imgSrv.Close()

	scenes := NewSceneService(llm.NewClient(textSrv.URL, "k", "m", textSrv.Client()))
	images := NewImageService(imagegen.NewClient(imgSrv.URL, imgSrv.URL, "k", imgSrv.Client()))
	service := NewSocialStoryService(scenes, images, imaging.NewCompositor(nil))

	custom := &models.CustomScenarioInput{Title: "Checkup", Description: "Doctor visit", EstimatedScenes: 3}
	_, err := service.Generate(context.Background(), socialConfig(), nil, custom, nil)
	if !apperrors.IsUpstreamError(err) {
		t.Fatalf("expected upstream error to abort the run, got %v", err)
	}
}

func TestSocialGenerateImageFailureDegrades(t *testing.T) {
	scene1 := `{"scene_number":1,"scene_title":"Arriving","scene_text":"You will go to the clinic today.","image_description":"A child walking into a clinic.","is_final_scene":true}`

	text := &scriptedText{responses: []string{scene1}}
	textSrv := httptest.NewServer(http.HandlerFunc(text.handler))
	defer textSrv.Close()

	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of capacity", http.StatusBadRequest)
	}))
	defer imgSrv.Close()

	scenes := NewSceneService(llm.NewClient(textSrv.URL, "k", "m", textSrv.Client()))
	images := NewImageService(imagegen.NewClient(imgSrv.URL, imgSrv.URL, "k", imgSrv.Client()))
	service := NewSocialStoryService(scenes, images, imaging.NewCompositor(nil))

	custom := &models.CustomScenarioInput{Title: "Checkup", Description: "Doctor visit", EstimatedScenes: 1}
	state, err := service.Generate(context.Background(), socialConfig(), nil, custom, nil)
	if err != nil {
		t.Fatalf("image failures must not abort the run: %v", err)
	}

	if !state.IsComplete {
		t.Error("run should complete despite image failures")
	}
	if len(state.Scenes) != 1 {
		t.Fatalf("scenes = %d, want 1", len(state.Scenes))
	}
	if state.Scenes[0].ImageURL != "" {
		t.Errorf("failed image should leave an empty URL, got %q", state.Scenes[0].ImageURL)
	}
	if !strings.Contains(state.Scenes[0].DebugPrompt, "FAILED:") {
		t.Errorf("debug prompt should record the failure, got %q", state.Scenes[0].DebugPrompt)
	}
}
