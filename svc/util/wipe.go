package util

import "runtime"

// Wipe zeroes key material once it has been handed to its consumer.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
		runtime.KeepAlive(b)
	}
}
