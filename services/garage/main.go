// Service to control garage doors operated by a momentary relay and watched
// by a position sensor.
//
// The relay emulates a press of the wall button: it is switched on for a
// short pulse then switched back off. The sensor confirms the door actually
// moved, and manual operation of the door (wall button, keyfob) is picked up
// from the sensor too, so the door device state always tracks reality.
//
// Doors can be guarded by an 'all clear' device or expression, which must
// pass before the relay is pulsed. Optional extras: a nightly autoclose
// schedule, and alerts when a door has been left open too long.
package garage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/barnybug/gofsm"
	"github.com/robfig/cron/v3"

	"github.com/yombo/module-garagedoor/config"
	"github.com/yombo/module-garagedoor/pubsub"
	"github.com/yombo/module-garagedoor/services"
	"github.com/yombo/module-garagedoor/util"
)

var Clock = func() time.Time {
	return time.Now()
}

const (
	defaultPulseTime  = 500 * time.Millisecond
	defaultTravelTime = 60 * time.Second
)

var defaultAllclear = []string{"on", "1", "high", "ok"}

// request is an accepted open/close command awaiting sensor confirmation.
type request struct {
	target string
	source string
	remote string
	travel *time.Timer
}

type Door struct {
	Device     string
	Name       string
	Input      string
	Control    string
	Closed     string
	Open       string
	PulseStart string
	PulseEnd   string
	PulseTime  time.Duration
	TravelTime time.Duration
	Allclear   string
	Gate       *govaluate.EvaluableExpression

	pending  *request
	leftOpen bool
}

// stateFor maps a raw sensor value to a door position.
func (d *Door) stateFor(value string) string {
	switch value {
	case d.Closed:
		return "closed"
	case d.Open:
		return "open"
	}
	return ""
}

// busEvent adapts a rendered "device key=value" string to the automata
// event interface.
type busEvent string

func (e busEvent) Match(when string) bool {
	return string(e) == when
}

func (e busEvent) String() string {
	return string(e)
}

// Each door gets a four state automaton. Commands start a transit, the
// sensor completes it, and a synthetic timeout event rolls an unconfirmed
// transit back. The direct closed<->open transitions cover manual operation.
const doorTemplate = `{{range .}}
{{.Device}}:
  start: closed
  states:
    closed:
    opening:
    open:
    closing:
  transitions:
    closed->opening:
    - when: {{.Device}} command=open
    opening->open:
    - when: {{.Input}} state=open
    opening->closed:
    - when: {{.Device}} timeout
    - when: {{.Input}} state=closed
    open->closing:
    - when: {{.Device}} command=close
    closing->closed:
    - when: {{.Input}} state=closed
    closing->open:
    - when: {{.Device}} timeout
    - when: {{.Input}} state=open
    closed->open:
    - when: {{.Input}} state=open
    open->closed:
    - when: {{.Input}} state=closed
{{end}}`

func loadAutomata(doors []*Door) (*gofsm.Automata, error) {
	tmpl := template.Must(template.New("doors").Parse(doorTemplate))
	wr := new(bytes.Buffer)
	if err := tmpl.Execute(wr, doors); err != nil {
		return nil, err
	}
	return gofsm.Load(wr.Bytes())
}

// Service garage
type Service struct {
	conf        *config.Config
	doors       map[string]*Door
	inputs      map[string]*Door
	values      map[string]string
	allclear    map[string]bool
	leftOpen    time.Duration
	alertTarget string
	automata    *gofsm.Automata
	timeouts    chan string
	cron        *cron.Cron
	Publisher   pubsub.Publisher
}

func (self *Service) ID() string {
	return "garage"
}

func (self *Service) setup(conf *config.Config) {
	gc := conf.Garage
	doors := map[string]*Door{}
	inputs := map[string]*Door{}
	var list []*Door
	for device, dc := range gc.Doors {
		if dc.Input == "" || dc.Control == "" {
			log.Printf("%s: input and control devices required, skipping", device)
			continue
		}
		door := &Door{
			Device:     device,
			Name:       device,
			Input:      dc.Input,
			Control:    dc.Control,
			Closed:     "closed",
			Open:       "open",
			PulseStart: "on",
			PulseEnd:   "off",
			PulseTime:  defaultPulseTime,
			TravelTime: defaultTravelTime,
			Allclear:   dc.Allclear,
		}
		if dev, ok := conf.Devices[device]; ok && dev.Name != "" {
			door.Name = dev.Name
		}
		if dc.Closed != "" {
			door.Closed = dc.Closed
		}
		if dc.Open != "" {
			door.Open = dc.Open
		}
		if dc.Pulse_Start != "" {
			door.PulseStart = dc.Pulse_Start
		}
		if dc.Pulse_End != "" {
			door.PulseEnd = dc.Pulse_End
		}
		// bad durations drop just this door, the rest keep working
		if dc.Pulse_Time != "" {
			d, err := time.ParseDuration(dc.Pulse_Time)
			if err != nil {
				log.Printf("%s: invalid pulse_time %q, skipping", device, dc.Pulse_Time)
				continue
			}
			door.PulseTime = d
		}
		if dc.Travel_Time != "" {
			d, err := time.ParseDuration(dc.Travel_Time)
			if err != nil {
				log.Printf("%s: invalid travel_time %q, skipping", device, dc.Travel_Time)
				continue
			}
			door.TravelTime = d
		}
		if dc.Gate != "" {
			expr, err := govaluate.NewEvaluableExpression(dc.Gate)
			if err != nil {
				log.Printf("%s: bad gate expression %q: %s", device, dc.Gate, err)
			} else {
				door.Gate = expr
			}
		}
		doors[device] = door
		inputs[door.Input] = door
		list = append(list, door)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Device < list[j].Device })

	automata, err := loadAutomata(list)
	if err != nil {
		log.Printf("Failed to load door automata: %s", err)
		return
	}
	self.restore(automata)

	allowed := gc.Allclear_States
	if len(allowed) == 0 {
		allowed = defaultAllclear
	}
	self.allclear = map[string]bool{}
	for _, value := range allowed {
		self.allclear[value] = true
	}

	self.conf = conf
	self.doors = doors
	self.inputs = inputs
	self.automata = automata
	self.alertTarget = gc.Alert
	self.leftOpen = 0
	if gc.Left_Open != nil {
		self.leftOpen = gc.Left_Open.Duration
	}
	log.Printf("Configured %d door(s)", len(doors))
}

func (self *Service) restore(automata *gofsm.Automata) {
	p := gofsm.AutomataState{}
	for name := range automata.Automaton {
		value, err := services.Stor.Get("garagedoor/state/automata/" + name)
		if err != nil {
			continue
		}
		var ps gofsm.AutomatonState
		if err := json.Unmarshal([]byte(value), &ps); err != nil {
			log.Println("Restoring door state failed:", err)
			continue
		}
		p[name] = ps
	}
	automata.Restore(p)
}

func (self *Service) persist(automaton string) {
	state := self.automata.Persist()
	value, _ := json.Marshal(state[automaton])
	err := services.Stor.Set("garagedoor/state/automata/"+automaton, string(value))
	if err != nil {
		log.Println("Persisting door state failed:", err)
	}
}

// seed fills in the last known sensor and all clear device states from the
// store, so gating and already-in-state checks work from startup.
func (self *Service) seed() {
	for _, door := range self.doors {
		for _, device := range []string{door.Input, door.Allclear} {
			if device == "" {
				continue
			}
			if _, ok := self.values[device]; ok {
				continue
			}
			value, err := services.Stor.Get("garagedoor/state/events/state/" + device)
			if err != nil {
				continue
			}
			if ev := pubsub.Parse(value, "state"); ev != nil && ev.State() != "" {
				self.values[device] = ev.State()
			}
		}
	}
}

func (self *Service) Initialize(em pubsub.Publisher) {
	self.Publisher = em
	self.values = map[string]string{}
	self.timeouts = make(chan string, 4)
	self.setup(services.Config)
	self.seed()
}

func (self *Service) Event(ev *pubsub.Event) {
	if strings.HasPrefix(ev.Topic, "command") {
		self.handleCommand(ev)
	} else {
		self.handleState(ev)
	}
	self.processChanges()
}

func (self *Service) handleState(ev *pubsub.Event) {
	device := self.conf.LookupDeviceName(ev)
	value := ev.State()
	if device == "" || value == "" {
		return
	}
	self.values[device] = value
	if door, ok := self.inputs[device]; ok {
		self.input(door, value)
	}
}

func (self *Service) input(door *Door, value string) {
	state := door.stateFor(value)
	if state == "" {
		log.Printf("%s: unrecognised state %q ignored", door.Input, value)
		return
	}
	self.automata.Process(busEvent(door.Input + " state=" + state))
	if p := door.pending; p != nil && p.target == state {
		p.travel.Stop()
		door.pending = nil
		self.answer(p.source, p.remote, "done", fmt.Sprintf("%s %s", door.Name, state))
	}
}

func (self *Service) handleCommand(ev *pubsub.Event) {
	device := ev.Device()
	door, ok := self.doors[device]
	if !ok {
		return
	}
	command := ev.Command()
	if command == "trigger" || command == "toggle" {
		if self.state(door) == "closed" {
			command = "open"
		} else {
			command = "close"
		}
	}
	var target, verb string
	switch command {
	case "open":
		target, verb = "open", "opening"
	case "close":
		target, verb = "closed", "closing"
	default:
		log.Printf("%s: unknown command %q ignored", device, command)
		return
	}
	source := ev.Source()
	remote := ev.StringField("remote")
	if door.pending != nil {
		self.answer(source, remote, "failed",
			fmt.Sprintf("%s: request already pending, try again shortly", door.Name))
		return
	}
	if self.state(door) == target {
		self.answer(source, remote, "done", fmt.Sprintf("%s already %s", door.Name, target))
		return
	}
	if err := self.clear(door); err != nil {
		self.answer(source, remote, "failed", fmt.Sprintf("%s: %s", door.Name, err))
		return
	}

	self.pulse(door)
	door.pending = &request{target: target, source: source, remote: remote}
	door.pending.travel = time.AfterFunc(door.TravelTime, func() {
		self.timeouts <- door.Device
	})
	self.automata.Process(busEvent(door.Device + " command=" + command))
	self.answer(source, remote, "processing", fmt.Sprintf("%s %s", door.Name, verb))
}

// clear checks the conditions guarding a door. A non-nil error describes why
// the door must not be operated.
func (self *Service) clear(door *Door) error {
	if door.Allclear != "" {
		value, ok := self.values[door.Allclear]
		if !ok {
			return fmt.Errorf("%s state unknown, not operating", door.Allclear)
		}
		if !self.allclear[value] {
			return fmt.Errorf("%s is %s, not operating", door.Allclear, value)
		}
	}
	if door.Gate != nil {
		params := map[string]interface{}{}
		for device, value := range self.values {
			params[device] = value
		}
		// door states come from the automata, not the echoed bus events
		for device, other := range self.doors {
			params[device] = self.state(other)
		}
		result, err := door.Gate.Evaluate(params)
		if err != nil {
			return fmt.Errorf("gate check failed: %s", err)
		}
		if pass, ok := result.(bool); !ok || !pass {
			return fmt.Errorf("gate check not clear")
		}
	}
	return nil
}

func (self *Service) pulse(door *Door) {
	log.Printf("%s: pulsing %s for %s", door.Name, door.Control, util.FriendlyDuration(door.PulseTime))
	self.Publisher.Emit(pubsub.NewCommand(door.Control, door.PulseStart, 0))
	time.AfterFunc(door.PulseTime, func() {
		self.Publisher.Emit(pubsub.NewCommand(door.Control, door.PulseEnd, 0))
	})
}

func (self *Service) answer(source, remote, status, message string) {
	log.Printf("%s: %s", status, message)
	if source == "" {
		return
	}
	fields := pubsub.Fields{
		"target":  source,
		"status":  status,
		"message": message,
	}
	if remote != "" {
		fields["remote"] = remote
	}
	self.Publisher.Emit(pubsub.NewEvent("alert", fields))
}

func (self *Service) timeout(device string) {
	door, ok := self.doors[device]
	if !ok || door.pending == nil {
		return
	}
	p := door.pending
	door.pending = nil
	self.automata.Process(busEvent(device + " timeout"))
	self.answer(p.source, p.remote, "failed",
		fmt.Sprintf("%s: no confirmation from %s within %s", door.Name, door.Input,
			util.FriendlyDuration(door.TravelTime)))
	self.processChanges()
}

func (self *Service) processChanges() {
	for {
		select {
		case change := <-self.automata.Changes:
			self.stateChanged(change)
		case <-self.automata.Actions:
		default:
			return
		}
	}
}

func (self *Service) stateChanged(change gofsm.Change) {
	log.Printf("%s: %s -> %s (%s)", change.Automaton, change.Old, change.New, change.Trigger)
	self.persist(change.Automaton)
	door, ok := self.doors[change.Automaton]
	if !ok {
		return
	}
	fields := pubsub.Fields{
		"device":  door.Device,
		"state":   change.New,
		"trigger": fmt.Sprint(change.Trigger),
	}
	ev := pubsub.NewEvent("state", fields)
	ev.SetRetained(true)
	self.Publisher.Emit(ev)

	if change.New == "closed" && door.leftOpen {
		door.leftOpen = false
		self.alert(fmt.Sprintf("%s closed", door.Name))
	}
}

func (self *Service) alert(message string) {
	log.Println(message)
	if self.alertTarget != "" {
		services.SendAlert(message, self.alertTarget, "", 0)
	}
}

func (self *Service) state(door *Door) string {
	aut, ok := self.automata.Automaton[door.Device]
	if !ok {
		return ""
	}
	return aut.State.Name
}

// tick raises an alert for any door left open beyond the configured limit.
func (self *Service) tick(now time.Time) {
	if self.leftOpen == 0 {
		return
	}
	for _, door := range self.doors {
		aut, ok := self.automata.Automaton[door.Device]
		if !ok || aut.State.Name != "open" || door.leftOpen {
			continue
		}
		if now.Sub(aut.Since) >= self.leftOpen {
			door.leftOpen = true
			self.alert(fmt.Sprintf("%s left open for %s", door.Name,
				util.FriendlyDuration(now.Sub(aut.Since))))
		}
	}
}

// autoclose sends a close command to every open door. The commands go over
// the bus so the usual gating and confirmation applies.
func (self *Service) autoclose() {
	for _, door := range self.doors {
		if self.state(door) != "open" || door.pending != nil {
			continue
		}
		log.Printf("Autoclosing %s", door.Name)
		self.Publisher.Emit(pubsub.NewCommand(door.Device, "close", 0))
	}
}

// Run the service
func (self *Service) Run() error {
	self.Initialize(services.Publisher)

	if spec := self.conf.Garage.Autoclose; spec != "" {
		c := cron.New()
		if _, err := c.AddFunc(spec, self.autoclose); err != nil {
			log.Printf("Bad autoclose schedule %q: %s", spec, err)
		} else {
			c.Start()
			defer c.Stop()
			self.cron = c
		}
	}

	ticker := util.NewScheduler(time.Duration(0), time.Minute)
	events := services.Subscriber.Subscribe(pubsub.Prefix("command"), pubsub.Exact("state"))
	configs := services.ConfigUpdates()
	for {
		select {
		case ev := <-events:
			self.Event(ev)
		case conf := <-configs:
			self.setup(conf)
		case device := <-self.timeouts:
			self.timeout(device)
		case tick := <-ticker.C:
			self.tick(tick)
		}
	}
}

func (self *Service) QueryHandlers() services.QueryHandlers {
	return services.QueryHandlers{
		"status":  self.queryStatus,
		"open":    services.TextHandler(self.queryCommand("open")),
		"close":   services.TextHandler(self.queryCommand("close")),
		"trigger": services.TextHandler(self.queryCommand("trigger")),
		"help": services.StaticHandler("" +
			"status: get status\n" +
			"open [door]: open a door\n" +
			"close [door]: close a door\n" +
			"trigger [door]: open or close a door\n"),
	}
}

func (self *Service) queryStatus(q services.Question) services.Answer {
	now := Clock()
	return services.Answer{
		Text: self.Status(now),
		Json: self.Json(now),
	}
}

func (self *Service) Status(now time.Time) string {
	if len(self.doors) == 0 {
		return "No doors configured"
	}
	var keys []string
	for k := range self.doors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		door := self.doors[k]
		aut := self.automata.Automaton[k]
		line := fmt.Sprintf("%s: %s for %s", door.Name, aut.State.Name,
			util.ShortDuration(now.Sub(aut.Since)))
		if door.pending != nil {
			line += fmt.Sprintf(" (%s pending)", door.pending.target)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func (self *Service) Json(now time.Time) interface{} {
	data := map[string]interface{}{}
	for k, door := range self.doors {
		aut := self.automata.Automaton[k]
		data[k] = map[string]interface{}{
			"state":   aut.State.Name,
			"since":   aut.Since.Format(time.RFC3339),
			"pending": door.pending != nil,
		}
	}
	return data
}

func (self *Service) queryCommand(command string) func(q services.Question) string {
	return func(q services.Question) string {
		door, err := self.matchDoor(strings.TrimSpace(q.Args))
		if err != nil {
			return err.Error()
		}
		ev := pubsub.NewCommand(door.Device, command, 0)
		if q.From != "" {
			// From is "source:remote"
			ps := strings.SplitN(q.From, ":", 2)
			ev.SetField("source", ps[0])
			if len(ps) == 2 && ps[1] != "" {
				ev.SetField("remote", ps[1])
			}
		}
		self.Publisher.Emit(ev)
		return fmt.Sprintf("Sent %s to %s", command, door.Name)
	}
}

func (self *Service) matchDoor(name string) (*Door, error) {
	if name == "" {
		if len(self.doors) == 1 {
			for _, door := range self.doors {
				return door, nil
			}
		}
		return nil, fmt.Errorf("door name required")
	}
	if door, ok := self.doors[name]; ok {
		return door, nil
	}
	if door, ok := self.doors["garage."+name]; ok {
		return door, nil
	}
	var matches []*Door
	for key, door := range self.doors {
		if strings.Contains(key, name) ||
			strings.Contains(strings.ToLower(door.Name), strings.ToLower(name)) {
			matches = append(matches, door)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("door %s not found", name)
	}
	return nil, fmt.Errorf("door %s is ambiguous", name)
}
