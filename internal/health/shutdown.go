package health

import "sync/atomic"

// ready gates the readiness probe during graceful shutdown. It starts true so
// a process that never calls SetReady behaves as before.
var ready atomic.Bool

func init() {
	ready.Store(true)
}

// SetReady flips the readiness gate. Call SetReady(false) before draining
// connections so load balancers stop routing new traffic.
func SetReady(v bool) {
	ready.Store(v)
}
