// Package process handles single-instance bookkeeping for the bridge.
//
// The running bridge records its PID in a file (by default
// <user config dir>/porticus/porticus.pid). A second invocation with
// -kill reads that file and asks the running instance to shut down with
// SIGTERM, escalating to SIGKILL if it does not exit in time.
//
// Example usage:
//
//	pf := process.NewPIDFile(process.DefaultPIDPath())
//	if err := pf.Acquire(); err != nil {
//	    return err
//	}
//	defer pf.Remove()
//
// Signalling is only implemented on unix. Elsewhere KillRunning returns
// ErrUnsupported.
package process
