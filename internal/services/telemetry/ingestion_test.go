package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/inference"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/dedup"
)

const topic7 = "irrigation_system/7/sensors"

func TestOnMessagePersistsAndDispatches(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))

	err := svc.OnMessage(ctx, topic7, []byte(`{"sensor_id":"7","volumetric_water_content":18,"rainfall_intensity":0}`))
	is.NoErr(err)

	is.Equal(len(store.readings), 1)
	r := store.readings[0]
	is.Equal(r.FieldID, "field1")
	vwc, ok := r.Latest(messages.VolumetricWaterContent)
	is.True(ok)
	is.Equal(vwc.Value, 18.0)
	_, ok = r.Latest(messages.Humidity)
	is.True(!ok) // soil water content is not humidity

	sent := pub.messages()
	is.Equal(len(sent), 1)
	is.Equal(sent[0].topic, "irrigation_system/7/decision")
	is.Equal(sent[0].qos, byte(1))

	var evt messages.DecisionEvent
	is.NoErr(json.Unmarshal(sent[0].payload, &evt))
	is.Equal(evt.SensorID, "7")
	is.Equal(evt.FieldID, "field1")
	is.Equal(evt.Decision, entities.ActionStart)
	is.True(evt.DecisionID != "")

	st, ok := svc.Tracker().Get("7")
	is.True(ok)
	is.Equal(st.FieldID, "field1")
}

func TestSensorIDFallsBackToTopic(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStop))

	is.NoErr(svc.OnMessage(ctx, topic7, []byte(`{"soil_temperature":"21,5"}`)))
	is.Equal(len(store.readings), 1)
	is.Equal(store.readings[0].SensorID, "7")
	is.Equal(len(pub.messages()), 1)
}

func TestMalformedTelemetryIsDropped(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))

	for _, payload := range []string{`not json`, `[1,2]`, `{"soil_temperature":1}`} {
		err := svc.OnMessage(ctx, "irrigation_system/sensors", []byte(payload))
		is.NoErr(err) // nothing reaches the transport
	}
	is.Equal(len(store.readings), 0)
	is.Equal(len(pub.messages()), 0)
	is.Equal(svc.Tracker().Len(), 0)
}

func TestDuplicatePayloadIsDropped(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))
	payload := []byte(`{"sensor_id":"7","soil_temperature":20,"timestamp":"2024-05-01T10:00:00Z"}`)

	is.NoErr(svc.OnMessage(ctx, topic7, payload))
	is.NoErr(svc.OnMessage(ctx, topic7, payload))

	is.Equal(len(store.readings), 1)
	is.Equal(len(pub.messages()), 1)
	is.True(store.readings[0].Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestIdenticalReadingsKeepSensorLive(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	payload := []byte(`{"sensor_id":"7","volumetric_water_content":18,"soil_temperature":20}`)

	for i := 0; i < 4; i++ {
		is.NoErr(svc.OnMessage(ctx, topic7, payload))
		is.Equal(len(svc.Sweep(ctx)), 0)
		now = now.Add(30 * time.Second)
	}

	is.Equal(len(store.readings), 4)
	is.Equal(len(pub.messages()), 4)
	is.Equal(store.status("7"), entities.SensorActive)
	st, ok := svc.Tracker().Get("7")
	is.True(ok)
	is.Equal(st.LastSeen, now.Add(-30*time.Second))
}

func TestRedeliveryIsDroppedButRefreshesLiveness(t *testing.T) {
	is, _, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	payload := []byte(`{"sensor_id":"7","soil_temperature":20}`)

	is.NoErr(svc.HandleMessage(topic7, &fakeMessage{topic: topic7, payload: payload}))
	now = now.Add(50 * time.Second)
	is.NoErr(svc.HandleMessage(topic7, &fakeMessage{topic: topic7, payload: payload, dup: true}))

	is.Equal(len(store.readings), 1)
	is.Equal(len(pub.messages()), 1)
	st, _ := svc.Tracker().Get("7")
	is.Equal(st.LastSeen, now)
}

func TestDerivedGateMeasurementsAreOptIn(t *testing.T) {
	is := is.New(t)
	store := newFakeStore(entities.Sensor{ID: "7", FieldID: "field1", Status: entities.SensorActive})
	d := NewDispatcher(fixedDecider(entities.ActionStop), &fakePublisher{}, "irrigation_system", "", nil, zerolog.Nop())
	svc := NewService(store, NewTracker(time.Minute), d, WithDerivedGateMeasurements(true))

	is.NoErr(svc.OnMessage(context.Background(), topic7, []byte(`{"volumetric_water_content":18,"rainfall_intensity":0}`)))

	h, ok := store.readings[0].Latest(messages.Humidity)
	is.True(ok)
	is.Equal(h.Value, 18.0)
}

func TestConcurrentMessagesAndSweeps(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))
	var clock sync.Mutex
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		now = now.Add(time.Second)
		return now
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				payload := fmt.Sprintf(`{"sensor_id":"7","soil_temperature":%d}`, w*100+i)
				_ = svc.OnMessage(ctx, topic7, []byte(payload))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				svc.Sweep(ctx)
			}
		}()
	}
	wg.Wait()

	is.Equal(len(pub.messages()), 200)
	is.Equal(len(store.readings), 200) // every message persisted, evicted or not
	is.True(svc.Tracker().Len() <= 1)
}

func TestUnknownSensorIsDispatchedButNotPersisted(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStop))

	is.NoErr(svc.OnMessage(ctx, "irrigation_system/99/sensors", []byte(`{"soil_temperature":20}`)))
	is.NoErr(svc.OnMessage(ctx, "irrigation_system/99/sensors", []byte(`{"soil_temperature":21}`)))

	is.Equal(len(store.readings), 0)
	is.Equal(store.lookups, 1) // resolved once per tracking period
	is.Equal(len(pub.messages()), 2)
	_, ok := svc.Tracker().Get("99")
	is.True(ok)
}

func TestStoreFailureStillDispatches(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))
	store.appendErr = model.ErrStoreUnavailable

	is.NoErr(svc.OnMessage(ctx, topic7, []byte(`{"soil_temperature":20}`)))
	is.Equal(len(pub.messages()), 1)
}

func TestSweepMarksSensorInactiveAndMessageReactivates(t *testing.T) {
	is, ctx, svc, store, _ := testSetup(t, fixedDecider(entities.ActionStart))
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	is.NoErr(svc.OnMessage(ctx, topic7, []byte(`{"soil_temperature":20}`)))

	now = now.Add(61 * time.Second)
	evicted := svc.Sweep(ctx)
	is.Equal(len(evicted), 1)
	is.Equal(store.status("7"), entities.SensorInactive)
	is.Equal(svc.Tracker().Len(), 0)

	is.NoErr(svc.OnMessage(ctx, topic7, []byte(`{"soil_temperature":19}`)))
	is.Equal(store.status("7"), entities.SensorActive)
	is.Equal(svc.Tracker().Len(), 1)
}

func TestHandleMessageUsesMessageTopic(t *testing.T) {
	is, _, svc, store, _ := testSetup(t, fixedDecider(entities.ActionStart))

	err := svc.HandleMessage(topic7, &fakeMessage{topic: topic7, payload: []byte(`{"soil_temperature":20}`)})
	is.NoErr(err)
	is.Equal(len(store.readings), 1)
}

func TestDegradedModelPublishesError(t *testing.T) {
	adapter := inference.Load("testdata/missing.json", zerolog.Nop())
	is, ctx, svc, _, pub := testSetup(t, adapter)

	is.NoErr(svc.OnMessage(ctx, topic7, []byte(`{"soil_temperature":20}`)))

	var evt messages.DecisionEvent
	is.NoErr(json.Unmarshal(pub.messages()[0].payload, &evt))
	is.Equal(evt.Decision, entities.ActionError)
}

func TestSensorIDFromTopic(t *testing.T) {
	is := is.New(t)

	is.Equal(SensorIDFromTopic("irrigation_system/7/sensors"), "7")
	is.Equal(SensorIDFromTopic("/farm/a/b/sensors/"), "b")
	is.Equal(SensorIDFromTopic("irrigation_system/7/decision"), "")
	is.Equal(SensorIDFromTopic("sensors"), "")
}

func testSetup(t *testing.T, decider Decider) (*is.I, context.Context, *Service, *fakeStore, *fakePublisher) {
	is := is.New(t)
	store := newFakeStore(entities.Sensor{ID: "7", FieldID: "field1", Status: entities.SensorActive})
	pub := &fakePublisher{}
	d := NewDispatcher(decider, pub, "irrigation_system", "", nil, zerolog.Nop())
	svc := NewService(store, NewTracker(time.Minute), d, WithDeduper(dedup.New(time.Minute, 100)))
	return is, context.Background(), svc, store, pub
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	is, ctx, svc, store, pub := testSetup(t, fixedDecider(entities.ActionStart))
	pub.err = errors.New("broker down")

	is.NoErr(svc.OnMessage(ctx, topic7, []byte(`{"soil_temperature":20}`)))
	is.Equal(len(store.readings), 1)
}
