/*
Package session implements execution sessions: the buffered fan-out between
one kernel execution and any number of concurrent observers.

A session accumulates every event of one execution and closes on the
terminator. Subscribers get the backlog first, then live events, on a
buffered channel; a subscriber that stops draining is dropped (its channel
closed) rather than allowed to stall the publisher. Late subscribers to a
finished session still receive the full transcript.

	sess := session.New(kernelID, code)
	sub := sess.Subscribe()
	for ev := range sub { ... }   // closes after the terminator

	sess.Wait(ctx.Done())         // block until terminal
	sess.Outputs()                // full transcript so far

The Registry indexes sessions by id and by kernel; ClearKernel force-closes
every session of a kernel when it is destroyed or restarted, so observers
see the close instead of hanging.
*/
package session
