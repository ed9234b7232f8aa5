package sensor_simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

const (
	// gainPerMin is the water content gained per minute of irrigation, in [0..1].
	gainPerMin = 0.006

	defaultSeed = 0.30

	// soilGridsURL is fetched once at startup, never per tick.
	soilGridsURL = "https://rest.isric.org/soilgrids/v2.0/properties/query?lat=%f&lon=%f&property=wv0010"
)

// DataGenerator evolves one sensor's soil state and renders it as telemetry.
type DataGenerator struct {
	mu          sync.Mutex
	seeded      bool
	last        time.Time
	moisture    float64 // [0..1]
	decayPerMin float64
	irrigating  bool

	rng        *rand.Rand
	now        func() time.Time
	httpClient *http.Client
	soilURL    string
}

func NewDataGenerator(decayPerMin float64, seed int64) *DataGenerator {
	return &DataGenerator{
		decayPerMin: math.Max(0, decayPerMin),
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
		httpClient:  &http.Client{Timeout: 8 * time.Second},
		soilURL:     soilGridsURL,
	}
}

// SeedFromSoilGrids sets the starting water content from SoilGrids, falling
// back to 30% when the service cannot answer.
func (g *DataGenerator) SeedFromSoilGrids(ctx context.Context, lat, lon float64) {
	seed := defaultSeed
	if lat != 0 || lon != 0 {
		if m, err := g.fetchSoilMoisture(ctx, lat, lon); err == nil && m >= 0 {
			seed = m
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seeded {
		g.moisture = clamp01(seed)
		g.last = g.now().UTC()
		g.seeded = true
	}
}

// SetIrrigating switches the simulated valve.
func (g *DataGenerator) SetIrrigating(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(g.now().UTC())
	g.irrigating = on
}

func (g *DataGenerator) Irrigating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.irrigating
}

// Next advances the soil state to now and returns the six features.
func (g *DataGenerator) Next(sensorID string) messages.SensorTelemetry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	g.advance(now)

	rain := 0.0
	if g.rng.Float64() < 0.05 {
		rain = math.Round(g.rng.Float64()*50) / 10
		g.moisture = clamp01(g.moisture + rain*0.002)
	}
	hour := float64(now.Hour()) + float64(now.Minute())/60
	daily := math.Sin((hour - 9) / 24 * 2 * math.Pi)

	return messages.SensorTelemetry{
		SensorID: sensorID,
		Values: map[string]float64{
			messages.VolumetricWaterContent: round1(g.moisture * 100),
			messages.SoilTemperature:        round1(18 + 4*daily + g.noise(0.3)),
			messages.ElectricalConductivity: round2(0.8 + 0.6*g.moisture + g.noise(0.05)),
			messages.AmbientTemperature:     round1(22 + 6*daily + g.noise(0.5)),
			messages.RainfallIntensity:      rain,
			messages.NPKConcentration:       round1(150 + g.noise(10)),
		},
		Timestamp: now,
	}
}

// advance applies gain or decay for the time elapsed since the last call.
func (g *DataGenerator) advance(now time.Time) {
	if !g.seeded {
		g.moisture = defaultSeed
		g.last = now
		g.seeded = true
		return
	}
	dtMin := math.Max(0, now.Sub(g.last).Minutes())
	if g.irrigating {
		g.moisture = clamp01(g.moisture + gainPerMin*dtMin)
	} else {
		g.moisture = clamp01(g.moisture - g.decayPerMin*dtMin)
	}
	g.last = now
}

func (g *DataGenerator) noise(scale float64) float64 {
	return g.rng.NormFloat64() * scale
}

func (g *DataGenerator) fetchSoilMoisture(ctx context.Context, lat, lon float64) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(g.soilURL, lat, lon), nil)
	if err != nil {
		return -1, err
	}
	req.Header.Set("User-Agent", "irrigation-sensor-simulator/1.0")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return -1, err
	}
	if resp.StatusCode != http.StatusOK {
		return -1, fmt.Errorf("soilgrids HTTP %d", resp.StatusCode)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return -1, err
	}
	if m := extractMoisture(parsed); m >= 0 {
		return normalizeWV(m), nil
	}
	return -1, errors.New("soilgrids: moisture field not found")
}

// extractMoisture looks for
// {"properties":{"layers":[{"depths":[{"values":{"Q0.5":0.27}}]}]}}, optionally
// wrapped in a "features" array.
func extractMoisture(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return -1
	}
	if feats, ok := m["features"].([]any); ok && len(feats) > 0 {
		if f0, ok := feats[0].(map[string]any); ok {
			return extractMoisture(f0)
		}
	}
	p, ok := m["properties"].(map[string]any)
	if !ok {
		return -1
	}
	layers, ok := p["layers"].([]any)
	if !ok || len(layers) == 0 {
		return -1
	}
	l0, _ := layers[0].(map[string]any)
	depths, ok := l0["depths"].([]any)
	if !ok || len(depths) == 0 {
		return -1
	}
	d0, _ := depths[0].(map[string]any)
	vals, ok := d0["values"].(map[string]any)
	if !ok {
		return -1
	}
	for _, k := range []string{"Q0.5", "mean", "Q0.95", "Q0.05", "value"} {
		if f, ok := vals[k].(float64); ok {
			return f
		}
	}
	return -1
}

// normalizeWV maps SoilGrids wv values (often thousandths of m3/m3) to [0..1].
func normalizeWV(x float64) float64 {
	if x > 1.5 {
		x = x / 1000.0
	}
	return clamp01(x)
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
func round2(x float64) float64 { return math.Round(x*100) / 100 }
