// Package influxdb writes bridge telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go v2 with the non-blocking, batched write API.
// The bridge records one "bridge_stats" point per telemetry interval:
// bytes in each direction, active sessions, dropped chunks and reader state.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteBridgeStats(stats)
//
// Write errors are delivered asynchronously to the SetOnError callback.
package influxdb
