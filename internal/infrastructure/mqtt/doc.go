// Package mqtt provides the optional MQTT connection used to mirror the
// serial stream and report bridge status.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retain control
//   - Subscriptions that are restored after a reconnect
//   - Last Will and Testament (LWT) on the status topic
//
// # Topics
//
// Every topic hangs off the configured prefix (default "porticus"):
//
//	{prefix}/serial/rx   bytes read from the device
//	{prefix}/serial/tx   bytes to write to the device
//	{prefix}/status      retained bridge status (JSON)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	client.Publish(topics.SerialRX(), chunk, 0, false)
package mqtt
