// The garagedoor gateway
//
// Monitors garage door sensors and controls doors by pulsing relay devices,
// glued together by a distributed message bus over MQTT.
//
// Features
//
// - Multiple doors, each a sensor (reed switch contact) plus a relay wired
// across the opener's button terminals
//
// - Momentary relay pulses emulating a button press, with configurable pulse
// commands and duration
//
// - Optional "all clear" gating device or expression that must pass before a
// door will operate remotely
//
// - Per-door state machine (closed, opening, open, closing) with travel
// timeouts and manual operation detection
//
// - Scheduled auto-close and left-open alerting
//
// - Liveness watchdog over sensors, relays and services (email + alerts)
//
// - Tasmota relay/sensor module support over MQTT
//
// - Remote control and alerting through Telegram
//
// - REST API and live event feed
//
// - Lightweight, small memory footprint (runs on the Raspberry Pi)
package garagedoor
