// Package mirror copies the serial stream to and from MQTT.
//
// A Mirror is one more hub subscriber: every chunk read from the device is
// published to {prefix}/serial/rx. Payloads arriving on {prefix}/serial/tx
// are written to the device through the same serialised writer the
// WebSocket sessions use.
//
// The mirror never disconnects on lag. Dropped chunks are counted and
// logged, and mirroring continues with the oldest retained chunk.
package mirror
