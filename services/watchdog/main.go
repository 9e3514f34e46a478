// Service for monitoring the health of the garage door setup. Alerts if a
// watched device (typically the door sensors) goes quiet, if a service stops
// heartbeating, or if a pinged host (the relay modules) stops answering.
package watchdog

import (
	"fmt"
	"log"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/tatsushid/go-fastping"

	"github.com/yombo/module-garagedoor/pubsub"
	"github.com/yombo/module-garagedoor/services"
	"github.com/yombo/module-garagedoor/util"
)

type WatchdogDevice struct {
	Name        string
	Timeout     time.Duration
	Alerted     bool
	LastAlerted time.Time
	LastEvent   time.Time
}

type WatchdogDevices []*WatchdogDevice

func (self WatchdogDevices) Less(i, j int) bool {
	return self[i].LastEvent.Before(self[j].LastEvent)
}

func (self WatchdogDevices) Len() int {
	return len(self)
}

func (self WatchdogDevices) Swap(i, j int) {
	self[i], self[j] = self[j], self[i]
}

var devices map[string]*WatchdogDevice
var repeatInterval, _ = time.ParseDuration("12h")

func sendAlert(name, state string, since time.Time) {
	log.Printf("Sending %s watchdog alert for: %s\n", state, name)
	duration := time.Now().Sub(since)
	message := fmt.Sprintf("%s: %s since %s (%s ago)", state, name,
		since.Local().Format(time.Stamp), util.ShortDuration(duration))

	if target := services.Config.Watchdog.Alert; target != "" {
		services.SendAlert(message, target, "", 0)
	}

	email := services.Config.General.Email
	if email.Admin != "" {
		subject := fmt.Sprintf("%s: %s", state, name)
		msg := fmt.Sprintf("Subject: %s\n\n%s\n", subject, message)
		err := smtp.SendMail(email.Server, nil, email.From, []string{email.Admin}, []byte(msg))
		if err != nil {
			log.Println("Error sending email:", err)
		}
	}
}

func checkEvent(ev *pubsub.Event) {
	// check if in devices monitored
	device := services.Config.LookupDeviceName(ev)
	w := devices[device]
	if w == nil {
		return
	}

	// recovered?
	if w.Alerted {
		w.Alerted = false
		sendAlert(w.Name, "RECOVERED", w.LastEvent)
	}
	w.LastEvent = ev.Timestamp
}

func checkTimeouts() {
	timeouts := []string{}
	var lastEvent time.Time
	for _, w := range devices {
		if w.Alerted {
			// check if should repeat
			if time.Since(w.LastAlerted) > repeatInterval {
				timeouts = append(timeouts, w.Name)
				lastEvent = w.LastEvent
				w.LastAlerted = time.Now()
			}
		} else if time.Since(w.LastEvent) > w.Timeout {
			// first alert
			timeouts = append(timeouts, w.Name)
			lastEvent = w.LastEvent
			w.Alerted = true
			w.LastAlerted = time.Now()
		}
	}

	// send a single alert for multiple devices
	if len(timeouts) > 0 {
		sendAlert(strings.Join(timeouts, ", "), "PROBLEM", lastEvent)
	}
}

// pinger pings the given hosts continuously, translating replies into ping
// events so they feed the usual device monitoring.
func pinger(hosts []string) {
	p := fastping.NewPinger()
	lookup := map[string]string{}
	for _, host := range hosts {
		addr, err := net.ResolveIPAddr("ip4:icmp", host)
		if err != nil {
			log.Printf("Failed to resolve %s, not pinging: %s", host, err)
			continue
		}
		p.AddIPAddr(addr)
		lookup[addr.String()] = host
	}
	if len(lookup) == 0 {
		return
	}
	p.MaxRTT = 20 * time.Second
	p.OnRecv = func(addr *net.IPAddr, rtt time.Duration) {
		fields := pubsub.Fields{
			"device": "ping." + lookup[addr.String()],
			"rtt":    rtt.Seconds(),
		}
		services.Publisher.Emit(pubsub.NewEvent("ping", fields))
	}
	p.RunLoop()
}

// Service watchdog
type Service struct{}

func (self *Service) ID() string {
	return "watchdog"
}

func (self *Service) setup() {
	devices = map[string]*WatchdogDevice{}
	now := time.Now()
	conf := services.Config.Watchdog
	for device, timeout := range conf.Devices {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			log.Printf("Failed to parse timeout %q for %s", timeout, device)
			continue
		}
		name := device
		if dev, ok := services.Config.Devices[device]; ok && dev.Name != "" {
			name = dev.Name
		}
		// give devices grace period for first event
		devices[device] = &WatchdogDevice{
			Name:      name,
			Timeout:   duration,
			LastEvent: now,
		}
	}

	// monitor service heartbeats
	for _, service := range conf.Services {
		device := fmt.Sprintf("heartbeat.%s", service)
		// a service missing 2 heartbeats is a problem
		devices[device] = &WatchdogDevice{
			Name:      fmt.Sprintf("Service %s", service),
			Timeout:   time.Second * 121,
			LastEvent: now,
		}
	}

	// monitor pinged hosts
	for _, host := range conf.Pings {
		devices["ping."+host] = &WatchdogDevice{
			Name:      fmt.Sprintf("Ping %s", host),
			Timeout:   time.Minute,
			LastEvent: now,
		}
	}
}

func (self *Service) Run() error {
	self.setup()

	if len(services.Config.Watchdog.Pings) > 0 {
		go pinger(services.Config.Watchdog.Pings)
	}

	ticker := time.NewTicker(time.Minute)
	events := services.Subscriber.Subscribe(pubsub.All())
	for {
		select {
		case ev := <-events:
			checkEvent(ev)
		case <-ticker.C:
			checkTimeouts()
		}
	}
}

func (self *Service) QueryHandlers() services.QueryHandlers {
	return services.QueryHandlers{
		"status": services.TextHandler(self.queryStatus),
		"help":   services.StaticHandler("status: get status\n"),
	}
}

func (self *Service) queryStatus(q services.Question) string {
	var out string
	var list WatchdogDevices
	for _, device := range devices {
		list = append(list, device)
	}
	// return oldest last
	sort.Sort(sort.Reverse(list))

	now := time.Now()
	for _, w := range list {
		problem := ""
		if w.Alerted {
			problem = " PROBLEM"
		}
		ago := util.ShortDuration(now.Sub(w.LastEvent))
		out += fmt.Sprintf("- %-6s %s%s\n", ago, w.Name, problem)
	}
	return out
}
