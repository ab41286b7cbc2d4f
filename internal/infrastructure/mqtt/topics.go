package mqtt

import "strings"

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "porticus"

// Topics builds the bridge's topic names under a common prefix.
//
//	topics := mqtt.Topics{Prefix: "lab/bench1"}
//	topics.SerialRX() // "lab/bench1/serial/rx"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// SerialRX is where bytes read from the device are published.
func (t Topics) SerialRX() string {
	return t.prefix() + "/serial/rx"
}

// SerialTX is where other systems publish bytes to be written to the device.
func (t Topics) SerialTX() string {
	return t.prefix() + "/serial/tx"
}

// Status carries the retained bridge status.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}
