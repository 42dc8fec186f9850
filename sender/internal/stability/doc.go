// Package stability decides whether a file has stopped changing.
//
// A file is stable once its modification time is at least Threshold in the
// past. A modification time in the future (clock skew between the writer and
// this host) is not stable; the file becomes eligible once real time has
// caught up and the threshold has elapsed.
package stability
