// Package provider normalizes heterogeneous completion backends behind one
// streaming interface.
//
// An Adapter opens a Stream for a Request. Open returns as soon as the
// producer is started; upstream failures surface from Recv as
// *errdefs.ProviderError. Each Stream yields Chunks ({Delta, Final}) in the
// order the backend produced them and ends with exactly one Final chunk
// followed by io.EOF. Cancelling the context passed to Open stops the stream
// at the next Recv, which then returns an *errdefs.AbortedError.
//
// Invariants:
//   - Adapters never retry. Retry decisions belong to the caller.
//   - A Stream is consumed once; it cannot be restarted.
//   - Backend selection happens once, in Set.Adapter, keyed by Kind.
//
// Usage:
//
//	set, err := provider.NewSet(cfgs, logger)
//	adapter, err := set.Adapter(provider.KindAnthropic)
//	stream, err := adapter.Open(ctx, req)
//	defer stream.Close()
//	for {
//		chunk, err := stream.Recv()
//		if err == io.EOF {
//			break
//		}
//		...
//	}
package provider
