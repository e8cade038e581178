/*
Package client provides the Go client for the substrate HTTP API.

Method names follow the engine's RPC naming contract (CreateKernel,
ExecuteCode, QueryVectorIndex, ChatWithAgent...), so code written against
the RPC surface ports directly.

# Usage

	c := client.NewClient("http://localhost:8787", client.WithNamespace("team-a"))

	sum, err := c.CreateKernel(ctx, client.CreateKernelOptions{Language: types.LanguagePython})

	stream, err := c.ExecuteCode(ctx, sum.ID, "print('hello')")
	defer stream.Close()
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		...
	}

# Streams

ExecuteCode and StreamExecution return an EventStream; ChatWithAgent and
ChatWithAgentStateless return a ChatStream. Both iterate with Next, return
io.EOF after the stream's terminator, and must be closed by the caller.
The decoders accept NDJSON lines and SSE "data:" frames interchangeably.

# Errors

Non-200 responses are rebuilt into the engine's error taxonomy, so
errdefs.IsNotFound, errdefs.IsConflict and friends work on client errors
the same way they do server-side.
*/
package client
