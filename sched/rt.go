package sched

// RT class threads run before any normal-class thread and are ordered
// strictly by priority, then FIFO within a priority. RunQueue.rt already
// enforces both; this file is the home for real-time-specific policy
// that needs its own state beyond the plain ready list.

// setRTPriority returns priority unchanged; it touches no thread and does
// not set RTClass. Higher values run first within the RT class.
func setRTPriority(priority int) int {
	return priority
}

// TODO: priority inheritance for RT threads blocked on a Mutex held by a
// lower-priority normal-class thread is not implemented. A fix would
// raise the mutex holder's effective priority to the highest blocked
// waiter's for the duration of the hold, in proc.Mutex.Lock/Unlock, and
// would need a back-reference from Mutex to the RunQueue holding its
// current owner.
