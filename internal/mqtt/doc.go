// Package mqtt publishes the bridge's status to an MQTT broker so that
// home automation or dashboards can see whether a darktable session is
// live and what it is doing.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message flips it to "offline" on an
// unexpected disconnect. Every event from the event bus is forwarded as
// JSON to an events topic named after the event kind.
package mqtt
