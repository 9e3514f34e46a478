package config

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/yombo/module-garagedoor/pubsub"
)

type DeviceConf struct {
	Id       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Group    string   `json:"group"`
	Location string   `json:"location"`
	Caps     []string `json:"caps"`
	Aliases  []string `json:"aliases"`
	Cap      map[string]bool `json:"-" yaml:"-"`
}

func (d DeviceConf) IsSwitchable() bool {
	return d.Cap["switch"] || d.Cap["relay"] || d.Cap["door"]
}

type EndpointsConf struct {
	Mqtt struct {
		Broker string
	}
	Redis string
	Api   string
}

type GeneralEmailConf struct {
	Admin  string
	From   string
	Server string
}

type GeneralConf struct {
	Email GeneralEmailConf
}

// Duration is a time.Duration parsed from yaml ("500ms", "1m30s").
type Duration struct {
	Duration time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var value string
	if err := unmarshal(&value); err != nil {
		return err
	}
	val, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrapf(err, "invalid duration: %q", value)
	}
	d.Duration = val
	return nil
}

// DoorConf configures a single garage door: the sensor device reporting its
// position, the relay device pulsed to operate it, and an optional all-clear
// gate that must pass before a pulse is issued.
//
// The durations are kept as strings and validated per door at service setup,
// so one bad door entry does not reject the whole gateway config.
type DoorConf struct {
	Input       string
	Control     string
	Closed      string
	Open        string
	Pulse_Start string
	Pulse_End   string
	Pulse_Time  string
	Travel_Time string
	Allclear    string
	Gate        string
}

type GarageConf struct {
	Doors           map[string]DoorConf
	Allclear_States []string
	Autoclose       string
	Left_Open       *Duration
	Alert           string
}

type TelegramConf struct {
	Token   string
	Chat_id int64
}

type VoiceConf map[string]string

type WatchdogConf struct {
	Alert    string
	Devices  map[string]string
	Pings    []string
	Services []string
}

// Configuration structure
type Config struct {
	// yaml fields
	Devices   map[string]DeviceConf
	Protocols map[string]map[string]string
	Endpoints EndpointsConf
	Garage    GarageConf
	General   GeneralConf
	Telegram  TelegramConf
	Voice     VoiceConf
	Watchdog  WatchdogConf
}

// Open configuration from disk.
func Open() (*Config, error) {
	file, err := os.Open(ConfigPath("garagedoor.yml"))
	if err != nil {
		return nil, errors.Wrap(err, "opening config")
	}
	defer file.Close()
	return OpenReader(file)
}

// Open configuration from a reader.
func OpenReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return OpenRaw(data)
}

// Open configuration from []byte.
func OpenRaw(data []byte) (*Config, error) {
	conf := &Config{}
	err := yaml.Unmarshal(data, conf)
	if err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	for id, device := range conf.Devices {
		device.Id = id
		if len(device.Caps) == 0 {
			major := strings.Split(id, ".")[0]
			device.Caps = []string{major}
		}
		device.Type = device.Caps[0]
		device.Cap = map[string]bool{}
		for _, c := range device.Caps {
			device.Cap[c] = true
		}
		conf.Devices[id] = device
	}

	return conf, nil
}

func Must(config *Config, err error) *Config {
	if err != nil {
		panic(err)
	}
	return config
}

// LookupDeviceName maps an event's source (protocol.id) to the named device,
// falling back to the source itself.
func (conf *Config) LookupDeviceName(ev *pubsub.Event) string {
	if d := ev.Device(); d != "" {
		return d
	}
	source := ev.Source()
	ps := strings.SplitN(source, ".", 2)
	if len(ps) == 2 {
		if device, ok := conf.Protocols[ps[0]][ps[1]]; ok {
			return device
		}
	}
	return source
}

func (conf *Config) AddDeviceToEvent(ev *pubsub.Event) {
	// split source into protocol.id
	ps := strings.SplitN(ev.Source(), ".", 2)
	protocol := ps[0]
	var id string
	if len(ps) > 1 {
		id = ps[1]
	}
	device := conf.Protocols[protocol][id]
	if device != "" {
		ev.SetField("device", device)
	}
}

// LookupDeviceProtocol finds the protocol identifier for a device name, eg
// ("relay.garage", "tasmota") -> ("gd1", true).
func (conf *Config) LookupDeviceProtocol(device string, protocol string) (string, bool) {
	for id, name := range conf.Protocols[protocol] {
		if name == device {
			return id, true
		}
	}
	return "", false
}

// helpers

// Resolve a configuration file under .config/garagedoor
func ConfigPath(p string) string {
	config := os.Getenv("XDG_CONFIG_HOME")
	if config == "" {
		config = path.Join(os.Getenv("HOME"), ".config")
	}
	return path.Join(config, "garagedoor", p)
}
