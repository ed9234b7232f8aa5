package irrigation_controller

import (
	"context"
	"fmt"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

type Thresholds struct {
	Humidity float64 // irrigation only below this humidity
	Rainfall float64 // and only when rainfall is at most this
}

func DefaultThresholds() Thresholds {
	return Thresholds{Humidity: 30, Rainfall: 0}
}

type ReadingSource interface {
	GetLatestReading(ctx context.Context, fieldID string) (*entities.SensorReading, error)
}

// Gate is a single-sample environmental precondition: no smoothing, no hysteresis.
type Gate struct {
	th Thresholds
}

func NewGate(th Thresholds) *Gate {
	return &Gate{th: th}
}

// Permits evaluates one reading. A missing reading or a missing humidity
// sample denies; a missing rainfall sample counts as no rain.
func (g *Gate) Permits(r *entities.SensorReading) bool {
	if r == nil {
		return false
	}
	humidity, ok := r.Latest(messages.Humidity)
	if !ok || humidity.Value >= g.th.Humidity {
		return false
	}
	if rain, ok := r.Latest(messages.Rainfall); ok && rain.Value > g.th.Rainfall {
		return false
	}
	return true
}

func (g *Gate) PermitsIrrigation(ctx context.Context, src ReadingSource, fieldID string) (bool, error) {
	r, err := src.GetLatestReading(ctx, fieldID)
	if err != nil {
		return false, fmt.Errorf("latest reading of field %s: %w", fieldID, err)
	}
	return g.Permits(r), nil
}
