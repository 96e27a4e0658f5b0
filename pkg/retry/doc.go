// Package retry provides exponential backoff for transient failures.
//
// Backoff is the pure schedule used by device connections: they arm their own
// timers and only ask for the next delay and whether the budget is spent.
//
//	b := retry.DefaultBackoff()
//	b.Delay(0) // 1s
//	b.Delay(5) // 30s (capped)
//	b.Exhausted(10) // true
//
// Do is a blocking loop for setup steps that may race a server coming up:
//
//	kv, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
//	    return js.CreateOrUpdateKeyValue(ctx, cfg)
//	})
//
// Wrap an error with NonRetryable to stop Do immediately.
package retry
