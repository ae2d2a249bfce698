// internal/services/template_service.go
package services

import (
	"fmt"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/models"
)

// builtinTemplates are the shipped scenarios. Each one guides generation
// toward an appropriate, structured story for a situation children commonly
// find stressful.
var builtinTemplates = []models.SocialStoryTemplate{
	{
		ID:              "dentist-visit",
		Title:           "Going to the Dentist",
		Category:        "medical",
		Description:     "A visit to the dentist for a checkup and cleaning",
		Icon:            "🦷",
		EstimatedScenes: 7,
		KeyPeople:       []string{"dentist", "dental hygienist", "receptionist"},
		CommonFears:     []string{"pain", "loud noises", "unfamiliar tools", "bright lights"},
		AgeRange:        [2]int{3, 10},
	},
	{
		ID:              "doctor-checkup",
		Title:           "Doctor Checkup",
		Category:        "medical",
		Description:     "A routine visit to the doctor for a health checkup",
		Icon:            "🏥",
		EstimatedScenes: 6,
		KeyPeople:       []string{"doctor", "nurse", "receptionist"},
		CommonFears:     []string{"shots", "stethoscope", "being examined", "waiting"},
		AgeRange:        [2]int{3, 10},
	},
	{
		ID:              "getting-shot",
		Title:           "Getting a Vaccine",
		Category:        "medical",
		Description:     "Getting a vaccination or shot at the doctor's office",
		Icon:            "💉",
		EstimatedScenes: 5,
		KeyPeople:       []string{"nurse", "doctor"},
		CommonFears:     []string{"needle", "pain", "crying"},
		AgeRange:        [2]int{4, 10},
	},
	{
		ID:              "first-day-school",
		Title:           "First Day of School",
		Category:        "school",
		Description:     "Starting a new school year or attending school for the first time",
		Icon:            "🏫",
		EstimatedScenes: 8,
		KeyPeople:       []string{"teacher", "principal", "classmates"},
		CommonFears:     []string{"separation from parents", "new people", "not knowing what to do", "getting lost"},
		AgeRange:        [2]int{4, 8},
	},
	{
		ID:              "school-bus",
		Title:           "Riding the School Bus",
		Category:        "school",
		Description:     "Taking the school bus for the first time",
		Icon:            "🚌",
		EstimatedScenes: 6,
		KeyPeople:       []string{"bus driver", "bus monitor"},
		CommonFears:     []string{"loud noises", "bumpy ride", "finding a seat", "missing the stop"},
		AgeRange:        [2]int{5, 10},
	},
	{
		ID:              "fire-drill",
		Title:           "Fire Drill at School",
		Category:        "school",
		Description:     "Participating in a fire drill at school",
		Icon:            "🚨",
		EstimatedScenes: 5,
		KeyPeople:       []string{"teacher", "firefighter"},
		CommonFears:     []string{"loud alarm", "rushing", "leaving belongings", "standing outside"},
		AgeRange:        [2]int{5, 10},
	},
	{
		ID:              "haircut",
		Title:           "Getting a Haircut",
		Category:        "daily-routine",
		Description:     "Visiting a hair salon or barber for a haircut",
		Icon:            "💇",
		EstimatedScenes: 6,
		KeyPeople:       []string{"hairstylist", "barber"},
		CommonFears:     []string{"scissors", "buzzing clippers", "sitting still", "cape around neck", "hair in face"},
		AgeRange:        [2]int{3, 10},
	},
	{
		ID:              "grocery-store",
		Title:           "Going to the Grocery Store",
		Category:        "daily-routine",
		Description:     "Shopping at the grocery store with a parent",
		Icon:            "🛒",
		EstimatedScenes: 5,
		KeyPeople:       []string{"cashier", "store clerk"},
		CommonFears:     []string{"crowds", "loud noises", "waiting in line", "not getting treats"},
		AgeRange:        [2]int{3, 8},
	},
	{
		ID:              "restaurant",
		Title:           "Eating at a Restaurant",
		Category:        "daily-routine",
		Description:     "Going out to eat at a restaurant",
		Icon:            "🍽️",
		EstimatedScenes: 6,
		KeyPeople:       []string{"server", "host"},
		CommonFears:     []string{"waiting for food", "unfamiliar foods", "sitting still", "loud environment"},
		AgeRange:        [2]int{3, 10},
	},
	{
		ID:              "airplane",
		Title:           "Flying on an Airplane",
		Category:        "travel",
		Description:     "Taking a flight on an airplane",
		Icon:            "✈️",
		EstimatedScenes: 8,
		KeyPeople:       []string{"flight attendant", "pilot", "security officer"},
		CommonFears:     []string{"takeoff", "landing", "loud engine", "ear pressure", "turbulence", "security screening"},
		AgeRange:        [2]int{4, 12},
	},
	{
		ID:              "hotel-stay",
		Title:           "Staying at a Hotel",
		Category:        "travel",
		Description:     "Spending the night at a hotel",
		Icon:            "🏨",
		EstimatedScenes: 6,
		KeyPeople:       []string{"hotel clerk", "bellhop"},
		CommonFears:     []string{"new bed", "unfamiliar room", "strange noises", "elevators"},
		AgeRange:        [2]int{4, 10},
	},
	{
		ID:              "car-ride",
		Title:           "Long Car Ride",
		Category:        "travel",
		Description:     "Taking a long car trip",
		Icon:            "🚗",
		EstimatedScenes: 5,
		KeyPeople:       []string{},
		CommonFears:     []string{"boredom", "car sickness", "needing bathroom", "being restrained in car seat"},
		AgeRange:        [2]int{3, 10},
	},
	{
		ID:              "birthday-party",
		Title:           "Going to a Birthday Party",
		Category:        "social",
		Description:     "Attending a friend's birthday party",
		Icon:            "🎂",
		EstimatedScenes: 7,
		KeyPeople:       []string{"birthday child", "other kids", "parents"},
		CommonFears:     []string{"loud singing", "games", "sharing", "cake mess", "leaving without parent"},
		AgeRange:        [2]int{3, 10},
	},
	{
		ID:              "playdate",
		Title:           "Having a Playdate",
		Category:        "social",
		Description:     "Going to a friend's house to play",
		Icon:            "🎮",
		EstimatedScenes: 6,
		KeyPeople:       []string{"friend", "friend's parent"},
		CommonFears:     []string{"new house", "sharing toys", "different rules", "parent leaving"},
		AgeRange:        [2]int{3, 8},
	},
	{
		ID:              "library",
		Title:           "Visiting the Library",
		Category:        "daily-routine",
		Description:     "Going to the public library",
		Icon:            "📚",
		EstimatedScenes: 5,
		KeyPeople:       []string{"librarian"},
		CommonFears:     []string{"being quiet", "getting lost", "choosing books", "checkout process"},
		AgeRange:        [2]int{4, 10},
	},
}

// TemplateService exposes the built-in scenario library.
type TemplateService struct{}

func NewTemplateService() *TemplateService {
	return &TemplateService{}
}

// List returns all templates.
func (s *TemplateService) List() []models.SocialStoryTemplate {
	templates := make([]models.SocialStoryTemplate, len(builtinTemplates))
	copy(templates, builtinTemplates)
	return templates
}

// GetByID returns one template by its id.
func (s *TemplateService) GetByID(id string) (*models.SocialStoryTemplate, error) {
	for i := range builtinTemplates {
		if builtinTemplates[i].ID == id {
			t := builtinTemplates[i]
			return &t, nil
		}
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("template not found: %s", id), nil)
}

// ListByCategory filters templates by category.
func (s *TemplateService) ListByCategory(category string) []models.SocialStoryTemplate {
	var out []models.SocialStoryTemplate
	for _, t := range builtinTemplates {
		if t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// ListForAge filters templates suitable for a child of the given age.
func (s *TemplateService) ListForAge(age int) []models.SocialStoryTemplate {
	var out []models.SocialStoryTemplate
	for _, t := range builtinTemplates {
		if age >= t.AgeRange[0] && age <= t.AgeRange[1] {
			out = append(out, t)
		}
	}
	return out
}
