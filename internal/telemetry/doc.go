// Package telemetry reports bridge status on a fixed interval.
//
// Each tick the Reporter publishes a retained JSON status on the MQTT
// status topic ("healthy", or "degraded" once the serial reader has
// stopped) and writes a bridge_stats point to InfluxDB. Either sink is
// optional. A final "stopping" status is published by Stop.
package telemetry
