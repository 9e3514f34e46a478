package garage

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"

	"github.com/yombo/module-garagedoor/config"
	"github.com/yombo/module-garagedoor/pubsub"
	"github.com/yombo/module-garagedoor/pubsub/dummy"
	"github.com/yombo/module-garagedoor/services"
)

var configYaml = `
doors:
  garage.main:
    input: sensor.garagemain
    control: relay.garagemain
    pulse_time: 1ms
    travel_time: 45s
    allclear: alarm.garage
  garage.side:
    input: sensor.garageside
    control: relay.garageside
    gate: "[alarm.garage] == 'ok' && [garage.main] == 'closed'"
left_open: 30m
alert: telegram
`

var (
	evAlarmOk    = pubsub.NewEvent("state", pubsub.Fields{"device": "alarm.garage", "state": "ok", "timestamp": "2017-05-14 10:00:00.000"})
	evAlarmArmed = pubsub.NewEvent("state", pubsub.Fields{"device": "alarm.garage", "state": "armed", "timestamp": "2017-05-14 10:00:00.000"})
	evMainOpen   = pubsub.NewEvent("state", pubsub.Fields{"device": "sensor.garagemain", "state": "open", "timestamp": "2017-05-14 10:01:00.000"})
	evMainClosed = pubsub.NewEvent("state", pubsub.Fields{"device": "sensor.garagemain", "state": "closed", "timestamp": "2017-05-14 10:02:00.000"})
	evSideOpen   = pubsub.NewEvent("state", pubsub.Fields{"device": "sensor.garageside", "state": "open", "timestamp": "2017-05-14 10:01:00.000"})

	cmdOpen    = command("garage.main", "open")
	cmdClose   = command("garage.main", "close")
	cmdTrigger = command("garage.main", "trigger")
	cmdSide    = command("garage.side", "open")
)

func command(device, cmd string) *pubsub.Event {
	ev := pubsub.NewCommand(device, cmd, 0)
	ev.SetField("source", "test")
	return ev
}

var (
	testConfig config.GarageConf
	em         *dummy.Publisher
	service    *Service
)

func Setup() {
	services.Config = config.ExampleConfig
	yaml.Unmarshal([]byte(configYaml), &testConfig)
	services.Config.Garage = testConfig
	services.Stor = services.NewMockStore()
	em = &dummy.Publisher{}
	services.Publisher = em
	service = &Service{}
	service.Initialize(em)
}

func eventsByTopic(topic string) []*pubsub.Event {
	var out []*pubsub.Event
	for _, ev := range em.Events {
		if ev.Topic == topic || strings.HasPrefix(ev.Topic, topic+"/") {
			out = append(out, ev)
		}
	}
	return out
}

func TestMirrorManualOperation(t *testing.T) {
	Setup()
	assert.Equal(t, "closed", service.state(service.doors["garage.main"]))

	// wall button press, only visible through the sensor
	service.Event(evMainOpen)
	states := eventsByTopic("state")
	require.Len(t, states, 1)
	assert.Equal(t, "garage.main", states[0].Device())
	assert.Equal(t, "open", states[0].State())
	assert.True(t, states[0].Retained)
	assert.Equal(t, "open", service.state(service.doors["garage.main"]))

	service.Event(evMainClosed)
	states = eventsByTopic("state")
	require.Len(t, states, 2)
	assert.Equal(t, "closed", states[1].State())
	assert.Equal(t, "closed", service.state(service.doors["garage.main"]))
}

func TestCommandGated(t *testing.T) {
	Setup()

	// alarm state unknown
	service.Event(cmdOpen)
	require.Len(t, em.Events, 1)
	assert.Equal(t, "alert", em.Events[0].Topic)
	assert.Equal(t, "failed", em.Events[0].StringField("status"))
	assert.Contains(t, em.Events[0].StringField("message"), "state unknown")
	em.Events = nil

	// alarm armed
	service.Event(evAlarmArmed)
	service.Event(cmdOpen)
	require.Len(t, em.Events, 1)
	assert.Equal(t, "failed", em.Events[0].StringField("status"))
	assert.Contains(t, em.Events[0].StringField("message"), "alarm.garage is armed")
	assert.Empty(t, eventsByTopic("command"))
}

func TestCommandPulse(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	require.Empty(t, em.Events)

	service.Event(cmdOpen)
	commands := eventsByTopic("command")
	require.Len(t, commands, 1)
	assert.Equal(t, "relay.garagemain", commands[0].Device())
	assert.Equal(t, "on", commands[0].Command())

	alerts := eventsByTopic("alert")
	require.Len(t, alerts, 1)
	assert.Equal(t, "processing", alerts[0].StringField("status"))
	assert.Equal(t, "test", alerts[0].Target())

	states := eventsByTopic("state")
	require.Len(t, states, 1)
	assert.Equal(t, "opening", states[0].State())
	require.NotNil(t, service.doors["garage.main"].pending)

	// relay released after the pulse
	time.Sleep(50 * time.Millisecond)
	commands = eventsByTopic("command")
	require.Len(t, commands, 2)
	assert.Equal(t, "off", commands[1].Command())
	em.Events = nil

	// sensor confirms
	service.Event(evMainOpen)
	alerts = eventsByTopic("alert")
	require.Len(t, alerts, 1)
	assert.Equal(t, "done", alerts[0].StringField("status"))
	states = eventsByTopic("state")
	require.Len(t, states, 1)
	assert.Equal(t, "open", states[0].State())
	assert.Nil(t, service.doors["garage.main"].pending)
}

func TestAlreadyInState(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	service.Event(cmdClose)
	require.Len(t, em.Events, 1)
	assert.Equal(t, "alert", em.Events[0].Topic)
	assert.Equal(t, "done", em.Events[0].StringField("status"))
	assert.Contains(t, em.Events[0].StringField("message"), "already closed")
	assert.Empty(t, eventsByTopic("command"))
}

func TestPendingRejected(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	service.Event(cmdOpen)
	em.Events = nil

	service.Event(cmdOpen)
	require.Len(t, em.Events, 1)
	assert.Equal(t, "failed", em.Events[0].StringField("status"))
	assert.Contains(t, em.Events[0].StringField("message"), "already pending")
}

func TestTravelTimeout(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	service.Event(cmdOpen)
	em.Events = nil

	service.timeout("garage.main")
	alerts := eventsByTopic("alert")
	require.Len(t, alerts, 1)
	assert.Equal(t, "failed", alerts[0].StringField("status"))
	assert.Contains(t, alerts[0].StringField("message"), "no confirmation")
	// rolled back
	assert.Equal(t, "closed", service.state(service.doors["garage.main"]))
	assert.Nil(t, service.doors["garage.main"].pending)
}

func TestTrigger(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)

	// closed, so trigger opens
	service.Event(cmdTrigger)
	commands := eventsByTopic("command")
	require.Len(t, commands, 1)
	assert.Equal(t, "relay.garagemain", commands[0].Device())
	states := eventsByTopic("state")
	require.Len(t, states, 1)
	assert.Equal(t, "opening", states[0].State())
}

func TestGateExpression(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)

	// main door open blocks the side door gate
	service.Event(evMainOpen)
	em.Events = nil
	service.Event(cmdSide)
	require.Len(t, em.Events, 1)
	assert.Equal(t, "failed", em.Events[0].StringField("status"))
	assert.Contains(t, em.Events[0].StringField("message"), "gate check")

	// gate passes once the main door is closed again
	service.Event(evMainClosed)
	em.Events = nil
	service.Event(cmdSide)
	commands := eventsByTopic("command")
	require.Len(t, commands, 1)
	assert.Equal(t, "relay.garageside", commands[0].Device())
}

func TestAutoclose(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	service.Event(evMainOpen)
	service.Event(evSideOpen)
	em.Events = nil

	service.autoclose()
	commands := eventsByTopic("command")
	require.Len(t, commands, 2)
	for _, ev := range commands {
		assert.Equal(t, "close", ev.Command())
	}
}

func TestLeftOpenAlert(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	service.Event(evMainOpen)
	em.Events = nil

	// not yet over the limit
	service.tick(time.Now().Add(time.Minute))
	assert.Empty(t, em.Events)

	service.tick(time.Now().Add(time.Hour))
	alerts := eventsByTopic("alert")
	require.Len(t, alerts, 1)
	assert.Equal(t, "telegram", alerts[0].Target())
	assert.Contains(t, alerts[0].StringField("message"), "left open")
	em.Events = nil

	// no repeat while still open
	service.tick(time.Now().Add(2 * time.Hour))
	assert.Empty(t, eventsByTopic("alert"))

	// recovery notice
	service.Event(evMainClosed)
	alerts = eventsByTopic("alert")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].StringField("message"), "closed")
}

func TestStatePersisted(t *testing.T) {
	Setup()
	service.Event(evMainOpen)
	value, err := services.Stor.Get("garagedoor/state/automata/garage.main")
	require.NoError(t, err)
	assert.Contains(t, value, `"State":"open"`)

	// a fresh service restores the persisted state
	restored := &Service{}
	restored.Initialize(&dummy.Publisher{})
	assert.Equal(t, "open", restored.state(restored.doors["garage.main"]))
}

func setupConf(garageYaml string) *config.Config {
	conf := &config.Config{Devices: config.ExampleConfig.Devices}
	yaml.Unmarshal([]byte(garageYaml), &conf.Garage)
	return conf
}

func TestBadDoorConfig(t *testing.T) {
	Setup()
	service.setup(setupConf("doors:\n  garage.broken:\n    input: sensor.x\n"))
	assert.Empty(t, service.doors)
}

func TestBadDurationSkipsDoor(t *testing.T) {
	Setup()
	service.setup(setupConf(`
doors:
  garage.broken:
    input: sensor.garageside
    control: relay.garageside
    pulse_time: soon
  garage.main:
    input: sensor.garagemain
    control: relay.garagemain
    travel_time: 45s
`))
	// the broken door is dropped, the good one keeps working
	require.Len(t, service.doors, 1)
	assert.Equal(t, 45*time.Second, service.doors["garage.main"].TravelTime)

	service.Event(cmdOpen)
	commands := eventsByTopic("command")
	require.Len(t, commands, 1)
	assert.Equal(t, "relay.garagemain", commands[0].Device())
}

func TestReconfigure(t *testing.T) {
	Setup()
	service.Event(evAlarmOk)
	service.Event(cmdOpen)
	require.NotEmpty(t, eventsByTopic("command"))
	em.Events = nil

	// a config update swaps the doors out from under the running service
	service.setup(setupConf(`
doors:
  garage.side:
    input: sensor.garageside
    control: relay.garageside
`))
	require.Len(t, service.doors, 1)

	// the removed door is no longer ours
	service.Event(cmdOpen)
	assert.Empty(t, em.Events)

	service.Event(cmdSide)
	commands := eventsByTopic("command")
	require.Len(t, commands, 1)
	assert.Equal(t, "relay.garageside", commands[0].Device())
}

func ExampleService_Status() {
	Setup()
	fmt.Println(service.Status(Clock().Add(10*time.Minute + time.Second)))
	// Output:
	// Main garage door: closed for 10m 1s
	// Side garage door: closed for 10m 1s
}

func ExampleService_queryCommand() {
	Setup()
	service.Event(evAlarmOk)
	answer := service.QueryHandlers()["close"](services.Question{Verb: "close", Args: "side", From: "test"})
	fmt.Println(answer.Text)
	answer = service.QueryHandlers()["open"](services.Question{Verb: "open", Args: "nosuch"})
	fmt.Println(answer.Text)
	// Output:
	// Sent close to Side garage door
	// door nosuch not found
}
