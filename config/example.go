package config

import "strings"

var ExampleYaml = `
devices:
  garage.main:
    name: Main garage door
    group: garage
    caps: [door]
    location: Garage
  garage.side:
    name: Side garage door
    group: garage
    caps: [door]
    location: Garage
  sensor.garagemain:
    name: Main door contact
    group: garage
    caps: [sensor]
    location: Garage
  sensor.garageside:
    name: Side door contact
    group: garage
    caps: [sensor]
    location: Garage
  relay.garagemain:
    name: Main door relay
    group: garage
    caps: [relay]
    location: Garage
  relay.garageside:
    name: Side door relay
    group: garage
    caps: [relay]
    location: Garage
  alarm.garage:
    name: Garage alarm
    group: garage
    caps: [alarm]
    location: Garage
protocols:
  tasmota:
    gd1: relay.garagemain
    gd1s: sensor.garagemain
    gd2: relay.garageside
    gd2s: sensor.garageside
endpoints:
  mqtt:
    broker: tcp://127.0.0.1:1883
  redis: 127.0.0.1:6379
  api: http://127.0.0.1:8723
garage:
  doors:
    garage.main:
      input: sensor.garagemain
      control: relay.garagemain
      closed: "on"
      open: "off"
      pulse_time: 500ms
      travel_time: 45s
      allclear: alarm.garage
    garage.side:
      input: sensor.garageside
      control: relay.garageside
      closed: "on"
      open: "off"
      pulse_time: 250ms
  left_open: 30m
  alert: telegram
general:
  email:
    admin: admin@example.com
    from: garagedoor@example.com
    server: localhost:25
telegram:
  token: xxx
  chat_id: 1234
voice:
  'open (?:the )?(\w+) (?:garage )?door':
    garage/open $1
  'close (?:the )?(\w+) (?:garage )?door':
    garage/close $1
watchdog:
  alert: telegram
  devices:
    sensor.garagemain: 12h
    sensor.garageside: 12h
  pings:
    - 192.168.0.60
    - 192.168.0.61
  services:
    - garage
    - tasmota`

var ExampleConfig = Must(OpenReader(strings.NewReader(ExampleYaml)))
