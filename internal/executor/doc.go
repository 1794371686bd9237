// Package executor owns single-attempt instrument command execution.
//
// Ownership boundary:
// - deadline-scoped invocation of one instrument call
//
// - classification of call failures into USB timeout, USB busy, or generic
//
// - the Outcome variant returned to retry and reporting layers
//
// Cancellation is best-effort. When the deadline elapses the call's context is
// canceled and its result, if it ever arrives, is discarded. Calls that honor
// their context (USB transfers) abort; calls that do not keep running in the
// background until the underlying I/O returns.
//
// A reply that reaches the instrument link after its call was abandoned must
// not answer a later call. Transports handle this: the serial transport flushes
// its input before the next write, and the USBTMC transport drops the frame
// carrying the abandoned bTag.
package executor
