/*
Package paralleltask runs resource-lifecycle functions in the background so
that several expensive setups (spinning up a database container, registering
a cloud database, building a deployable container) overlap instead of running
one after another.

A lifecycle function acquires a resource and returns it together with the
Teardown that releases it:

	func prepareSomething(ctx context.Context, arg Arg) (Output, paralleltask.Teardown, error) {
		// do the preparation
		return output, func(ctx context.Context) error {
			// clean up
		}, nil
	}

Starting the function returns a [Handle] immediately. The setup keeps running
on its own worker while the caller does other work. The caller blocks only
when it asks the Handle for the output:

	h := paralleltask.Start(ctx, "prepare", func(ctx context.Context) (Output, paralleltask.Teardown, error) {
		return prepareSomething(ctx, arg)
	})
	defer h.Close()
	...
	output, err := h.Output(ctx)

The teardown never runs before the Handle is closed, so the resource stays
alive for as long as the caller holds the Handle. Close always lets the worker
tear down and waits for it to exit, whether or not the output was ever read.

# Workers

[Start] and [Wrap] run the lifecycle function on a goroutine. Use them when
the provisioning calls are safe to run concurrently within one process, which
is the case for the usual I/O-bound work.

[Register] and [Remote.Start] run the function in a separate worker process
instead: the current executable is re-executed, and [Main] serves the
registered function in the child. Use them when a provisioning library keeps
global mutable state, or when the resource must be isolated from the test
binary. Arguments and outputs cross the process boundary with encoding/gob,
and errors are reconstructed as [*RemoteError] values.

	var prepare = paralleltask.Register("prepare", prepareSomething)

	func TestMain(m *testing.M) {
		paralleltask.Main() // Serves workers and never returns in a worker process.
		os.Exit(m.Run())
	}

# Timeouts

The only way to abandon a task is the deadline of the context given to
[Handle.Wait] or [Handle.Output]. When it expires, the worker is terminated
(a goroutine has its context cancelled, a process is killed) and the call fails
with a [*TimeoutError]. Treat the state of the resource as unknown afterwards.
*/
package paralleltask
