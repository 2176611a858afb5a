package selector

import (
	"errors"
	"fmt"
	"time"

	"github.com/digkill/mediaroute/internal/models"
)

// ErrUnsupportedWorkflow is returned when no route exists for a workflow type.
var ErrUnsupportedWorkflow = errors.New("no model route for workflow")

// LowConfidenceThreshold is the intent confidence below which the
// selection's reasoning flags the result so callers can warn the user.
const LowConfidenceThreshold = 0.55

// route declares how a workflow type maps onto backend models and cost.
// Video routes charge per second of a fixed subtype duration; image
// routes charge a flat per-generation cost.
type route struct {
	primary       string
	provider      string
	fallbacks     []string
	flatCost      int
	perSecondCost int
	videoSeconds  int
	baseDuration  time.Duration
	// alternates, when declared, override the primary for an explicit
	// quality preference. Workflows without alternates ignore preference.
	speedAlternate   string
	qualityAlternate string
}

// routes is evaluated by exact workflow key; entries are fixed at build
// time so identical inputs always yield identical selections.
var routes = map[models.WorkflowType]route{
	models.WorkflowNewImage: {
		primary:          "flux-2",
		provider:         "kie",
		fallbacks:        []string{"nano-banana-pro", "sdxl-turbo"},
		flatCost:         5,
		baseDuration:     20 * time.Second,
		speedAlternate:   "sdxl-turbo",
		qualityAlternate: "flux-2",
	},
	models.WorkflowEditImage: {
		primary:      "nano-banana-pro",
		provider:     "kie",
		fallbacks:    []string{"flux-2"},
		flatCost:     5,
		baseDuration: 25 * time.Second,
	},
	models.WorkflowUpscaleImage: {
		primary:      "clarity-upscale",
		provider:     "kie",
		fallbacks:    []string{"nano-banana-pro"},
		flatCost:     3,
		baseDuration: 15 * time.Second,
	},
	models.WorkflowImageToVideo: {
		primary:       "kling-2.1",
		provider:      "kie",
		fallbacks:     []string{"runway-gen3"},
		perSecondCost: 4,
		videoSeconds:  5,
		baseDuration:  90 * time.Second,
	},
	models.WorkflowTextToVideo: {
		primary:          "veo-3",
		provider:         "kie",
		fallbacks:        []string{"kling-2.1"},
		perSecondCost:    4,
		videoSeconds:     8,
		baseDuration:     120 * time.Second,
		speedAlternate:   "kling-2.1",
		qualityAlternate: "veo-3",
	},
}

// Selector routes classified intents onto backend models. Deterministic
// except for explicit quality overrides.
type Selector struct{}

func New() *Selector {
	return &Selector{}
}

// CostFor returns the credit cost of one generation for the workflow.
func (s *Selector) CostFor(workflow models.WorkflowType) (int, error) {
	r, ok := routes[workflow]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedWorkflow, workflow)
	}
	return r.cost(), nil
}

func (r route) cost() int {
	if r.perSecondCost > 0 {
		return r.perSecondCost * r.videoSeconds
	}
	return r.flatCost
}

// Select maps an intent onto a model, ordered fallbacks and estimates.
func (s *Selector) Select(intent models.IntentClassification, quality models.QualityPriority) (models.ModelSelection, error) {
	r, ok := routes[intent.Workflow]
	if !ok {
		return models.ModelSelection{}, fmt.Errorf("%w: %s", ErrUnsupportedWorkflow, intent.Workflow)
	}

	primary := r.primary
	reasoning := fmt.Sprintf("routed %s to %s", intent.Workflow, primary)
	switch quality {
	case models.QualitySpeed:
		if r.speedAlternate != "" {
			primary = r.speedAlternate
			reasoning = fmt.Sprintf("routed %s to %s (speed preference)", intent.Workflow, primary)
		}
	case models.QualityQuality:
		if r.qualityAlternate != "" {
			primary = r.qualityAlternate
			reasoning = fmt.Sprintf("routed %s to %s (quality preference)", intent.Workflow, primary)
		}
	}

	fallbacks := make([]string, 0, len(r.fallbacks))
	for _, f := range r.fallbacks {
		if f != primary {
			fallbacks = append(fallbacks, f)
		}
	}

	if intent.Confidence < LowConfidenceThreshold {
		reasoning += fmt.Sprintf("; low classification confidence %.2f, result may not match intent", intent.Confidence)
	}

	return models.ModelSelection{
		ModelID:           primary,
		Provider:          r.provider,
		Fallbacks:         fallbacks,
		EstimatedCost:     r.cost(),
		EstimatedDuration: r.baseDuration,
		VideoSeconds:      r.videoSeconds,
		Reasoning:         reasoning,
	}, nil
}
