package chaos

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Recipe names shipped with the engine.
const (
	RecipeIncreaseErrorRate     = "increase_error_rate"
	RecipeSlowResponses         = "slow_responses"
	RecipeDisableCircuitBreaker = "disable_circuit_breaker"
	RecipeDisableCache          = "disable_cache"
	RecipeResourceExhaustion    = "resource_exhaustion"
)

// BuiltinRecipes returns the default recipe pack.
func BuiltinRecipes() []models.Recipe {
	return []models.Recipe{
		{
			Name:            RecipeIncreaseErrorRate,
			Description:     "Raise the fraction of requests that fail with a server error.",
			Flag:            models.FlagErrorRate,
			PerIntensity:    0.05,
			Max:             0.9,
			DefaultDuration: 5 * time.Minute,
			Weight:          3,
		},
		{
			Name:            RecipeSlowResponses,
			Description:     "Add artificial latency to every response.",
			Flag:            models.FlagLatencyMs,
			PerIntensity:    250,
			Max:             5000,
			DefaultDuration: 5 * time.Minute,
			Weight:          3,
		},
		{
			Name:            RecipeDisableCircuitBreaker,
			Description:     "Turn off the circuit breaker so downstream failures cascade.",
			Flag:            models.FlagCircuitBreaker,
			Toggle:          true,
			DefaultDuration: 10 * time.Minute,
			Weight:          1,
		},
		{
			Name:            RecipeDisableCache,
			Description:     "Bypass the response cache so every request hits the backend.",
			Flag:            models.FlagCache,
			Toggle:          true,
			DefaultDuration: 10 * time.Minute,
			Weight:          1,
		},
		{
			Name:            RecipeResourceExhaustion,
			Description:     "Burn CPU on the target to starve request handling.",
			Flag:            models.FlagCPUStress,
			PerIntensity:    10,
			Max:             100,
			DefaultDuration: 3 * time.Minute,
			Weight:          2,
		},
	}
}

// Catalogue is an ordered, name-indexed recipe pack.
type Catalogue struct {
	order  []string
	byName map[string]models.Recipe
}

type recipePack struct {
	Recipes []models.Recipe `yaml:"recipes"`
}

// NewCatalogue builds a catalogue; later recipes override earlier ones with the same name.
func NewCatalogue(recipes []models.Recipe) *Catalogue {
	c := &Catalogue{byName: make(map[string]models.Recipe, len(recipes))}
	for _, r := range recipes {
		c.put(r)
	}
	return c
}

// LoadCatalogue returns the built-in recipes merged with the YAML pack at path.
// An empty path or a missing file yields the built-ins alone.
func LoadCatalogue(path string) (*Catalogue, error) {
	c := NewCatalogue(BuiltinRecipes())
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read recipe pack: %w", err)
	}
	var pack recipePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse recipe pack: %w", err)
	}
	for i, r := range pack.Recipes {
		if err := validateRecipe(r); err != nil {
			return nil, fmt.Errorf("recipe %d: %w", i, err)
		}
		c.put(r)
	}
	return c, nil
}

func validateRecipe(r models.Recipe) error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(r.Flag) == "":
		return fmt.Errorf("%s: flag is required", r.Name)
	case r.Weight < 0:
		return fmt.Errorf("%s: weight must not be negative", r.Name)
	case !r.Toggle && r.PerIntensity <= 0:
		return fmt.Errorf("%s: per_intensity must be positive", r.Name)
	}
	return nil
}

func (c *Catalogue) put(r models.Recipe) {
	if _, exists := c.byName[r.Name]; !exists {
		c.order = append(c.order, r.Name)
	}
	c.byName[r.Name] = r
}

// Lookup returns the recipe with the given name.
func (c *Catalogue) Lookup(name string) (models.Recipe, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// List returns recipes in load order.
func (c *Catalogue) List() []models.Recipe {
	out := make([]models.Recipe, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

// Names returns recipe names sorted alphabetically.
func (c *Catalogue) Names() []string {
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	return names
}

// Float64Source yields uniform values in [0, 1).
type Float64Source interface {
	Float64() float64
}

// Pick draws a recipe with probability proportional to its weight. Zero-weight
// recipes are only drawn when every weight is zero.
func (c *Catalogue) Pick(src Float64Source) (models.Recipe, bool) {
	if len(c.order) == 0 {
		return models.Recipe{}, false
	}
	var total float64
	for _, name := range c.order {
		total += c.byName[name].Weight
	}
	if total <= 0 {
		idx := int(src.Float64() * float64(len(c.order)))
		if idx >= len(c.order) {
			idx = len(c.order) - 1
		}
		return c.byName[c.order[idx]], true
	}
	draw := src.Float64() * total
	var last models.Recipe
	for _, name := range c.order {
		r := c.byName[name]
		if r.Weight <= 0 {
			continue
		}
		if draw < r.Weight {
			return r, true
		}
		draw -= r.Weight
		last = r
	}
	return last, true
}

// FlagValue is the value a recipe writes at the given intensity.
// Toggle recipes switch their flag off.
func FlagValue(r models.Recipe, intensity int) float64 {
	if r.Toggle {
		return 0
	}
	v := r.PerIntensity * float64(intensity)
	if r.Max > 0 {
		v = math.Min(v, r.Max)
	}
	return v
}
