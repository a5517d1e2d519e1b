// Package async provides safe concurrent execution primitives for queue batches
// and background maintenance.
//
// # Key Functions
//
// SafeGo: run a function in a goroutine with a timeout and panic recovery
//
//	async.SafeGo(ctx, 30*time.Second, "lock reaper", func(ctx context.Context) error {
//		_, err := locker.ReapExpired(ctx)
//		return err
//	})
//
// WorkerPool: bounded pool of workers with per-task timeouts
//
//	pool := async.NewWorkerPool(ctx, 10, "stage messages", 15*time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
// Batch: run every item of a batch as an independent task
//
//	errs := async.Batch(ctx, messages, 10, "donations", 15*time.Minute, handle)
//	for i, err := range errs {
//		if err == nil {
//			ack(messages[i])
//		}
//	}
//
// Batch results are aligned with the input. A panicking item is reported as an
// error for that item only.
//
// # Related Packages
//
//   - pkg/queue: Runs each received SQS batch through Batch
package async
