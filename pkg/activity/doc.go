/*
Package activity expires idle resources.

The controller runs one sweep loop for any number of registered resources.
Each registration carries the resource's idle timeout and an expire
callback; Touch resets the clock. A callback that returns false (resource
busy, expiry refused) keeps the registration alive for the next sweep, so
an in-flight execution or chat is never killed under its caller.

Kernels, vector indices and agents all register here. Expiry means
different things per resource: kernels and agents are destroyed, indices
are offloaded to disk.

	ctrl := activity.NewController(30 * time.Second)
	ctrl.Start()
	ctrl.Register("k:py-1", 10*time.Minute, expireKernel)
	ctrl.Touch("k:py-1")
	ctrl.Stop()
*/
package activity
