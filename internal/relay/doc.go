// Package relay runs one client session: device data from the broadcast
// hub goes out to the client, and every text or binary message from the
// client is written to the serial device as a single write.
//
// Both directions run in an errgroup. Each direction always finishes with a
// reason, so the first one to stop cancels the other and no half-open
// session is left behind.
package relay
