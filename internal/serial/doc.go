// Package serial opens the serial device and runs the single reader loop
// that feeds the broadcast hub.
//
// A Device splits one port into two capabilities:
//
//   - Reader: claimed once, owned by the Reader loop.
//   - Writer: shared by every client session. Each Write holds a mutex
//     until the whole payload reached the device, so payloads from
//     different clients never interleave.
//
// The Reader loop treats "no data yet" conditions (read timeouts, EAGAIN,
// EINTR, zero-byte reads) as transient and any other error as permanent.
// After a permanent error it logs, records the error and closes Done; the
// caller decides whether the rest of the process keeps running.
//
// Usage:
//
//	dev, err := serial.Open(cfg.Serial)
//	if err != nil {
//	    return err
//	}
//	src, _ := dev.Reader()
//	reader := serial.NewReader(src, hub, serial.ReaderConfig{BufferSize: 1024})
//	go reader.Run(ctx)
package serial
