// Package bridge wires the serial device, the broadcast hub, the serial
// reader and the WebSocket listener into one running process, together
// with the optional session log, MQTT mirror and telemetry.
//
// Lifecycle:
//
//	b, err := bridge.New(bridge.Options{Config: cfg, Logger: log, Version: version})
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//	return b.Run(ctx)
//
// Run returns nil when ctx is cancelled. It returns an error if the
// listener cannot bind, if the listener stops on its own, or, when
// bridge.exit_on_reader_failure is set, once the serial reader stops.
// Otherwise a stopped reader leaves the bridge running in a degraded state:
// clients stay connected and can still write to the device.
package bridge
