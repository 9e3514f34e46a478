package tasmota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yombo/module-garagedoor/config"
	"github.com/yombo/module-garagedoor/pubsub/dummy"
	"github.com/yombo/module-garagedoor/services"
)

type testMessage struct {
	topic   string
	payload []byte
}

func (m *testMessage) Duplicate() bool   { return false }
func (m *testMessage) Qos() byte         { return 1 }
func (m *testMessage) Retained() bool    { return false }
func (m *testMessage) Topic() string     { return m.topic }
func (m *testMessage) MessageID() uint16 { return 0 }
func (m *testMessage) Payload() []byte   { return m.payload }
func (m *testMessage) Ack()              {}

var em *dummy.Publisher

func Setup() {
	services.Config = config.ExampleConfig
	em = &dummy.Publisher{}
	services.Publisher = em
}

func TestHandlePower(t *testing.T) {
	Setup()
	handlePower(&testMessage{"tasmota/stat/gd1s/POWER", []byte("ON")})
	require.Len(t, em.Events, 1)
	ev := em.Events[0]
	assert.Equal(t, "state", ev.Topic)
	assert.Equal(t, "sensor.garagemain", ev.Device())
	assert.Equal(t, "on", ev.State())
	assert.Equal(t, "tasmota.gd1s", ev.Source())
}

func TestHandlePowerUnknownModule(t *testing.T) {
	Setup()
	handlePower(&testMessage{"tasmota/stat/unknown/POWER", []byte("OFF")})
	require.Len(t, em.Events, 1)
	// still emitted, just without a device mapping
	assert.Equal(t, "", em.Events[0].Device())
}

func TestHandleSensor(t *testing.T) {
	Setup()
	payload := `{"Time":"2017-05-14T10:00:00","ENERGY":{"Total":2.5,"Today":0.2,"Power":11,"Voltage":240,"Current":0.05}}`
	handleSensor(&testMessage{"tasmota/tele/gd1/SENSOR", []byte(payload)})
	require.Len(t, em.Events, 1)
	ev := em.Events[0]
	assert.Equal(t, "power", ev.Topic)
	assert.Equal(t, "relay.garagemain", ev.Device())
	assert.Equal(t, 11.0, ev.Fields["power"])
}

func TestHandleSensorBadPayload(t *testing.T) {
	Setup()
	handleSensor(&testMessage{"tasmota/tele/gd1/SENSOR", []byte("not json")})
	assert.Empty(t, em.Events)
}

func Example_interfaces() {
	var _ services.Service = (*Service)(nil)
	// Output:
}
