package inference

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// Features follows messages.FeatureOrder.
type Features [len(messages.FeatureOrder)]float64

var ErrNonFiniteFeature = errors.New("non-finite feature value")

// FeaturesFrom builds the vector from a telemetry payload; missing values are 0.
func FeaturesFrom(t messages.SensorTelemetry) (Features, error) {
	var x Features
	for i, name := range messages.FeatureOrder {
		v, ok := t.Value(name)
		if !ok {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return x, fmt.Errorf("%w: %s", ErrNonFiniteFeature, name)
		}
		x[i] = v
	}
	return x, nil
}

type Classifier interface {
	Predict(x Features) (int, error)
}

// ActionFor maps a predicted class to a decision.
func ActionFor(class int) entities.Action {
	switch class {
	case 1:
		return entities.ActionStart
	case 0:
		return entities.ActionStop
	default:
		return entities.ActionUnknown
	}
}

// Adapter is the fail-safe front of a Classifier. Without a model every
// decision is ERROR.
type Adapter struct {
	classifier Classifier
	log        zerolog.Logger
	warned     sync.Once
}

func NewAdapter(c Classifier, log zerolog.Logger) *Adapter {
	return &Adapter{classifier: c, log: log}
}

// Load never fails: a broken artifact yields a degraded adapter.
func Load(path string, log zerolog.Logger) *Adapter {
	forest, err := LoadForest(path)
	if err != nil {
		a := NewAdapter(nil, log)
		a.degraded(fmt.Errorf("%w: %s: %w", model.ErrModelUnavailable, path, err))
		return a
	}
	log.Info().Str("path", path).Int("trees", len(forest.Trees)).Msg("classifier loaded")
	return NewAdapter(forest, log)
}

func (a *Adapter) Ready() bool {
	return a.classifier != nil
}

func (a *Adapter) Decide(x Features) entities.Action {
	if a.classifier == nil {
		a.degraded(model.ErrModelUnavailable)
		return entities.ActionError
	}
	class, err := a.classifier.Predict(x)
	if err != nil {
		a.log.Warn().Err(err).Msg("prediction failed")
		return entities.ActionError
	}
	return ActionFor(class)
}

func (a *Adapter) degraded(err error) {
	a.warned.Do(func() {
		a.log.Warn().Err(err).Msg("classifier unavailable, every decision will be ERROR")
	})
}
