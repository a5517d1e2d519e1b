// Package queue connects the pipeline to SQS.
//
// SQSSender enqueues JSON payloads by queue URL. Consumer long-polls a queue,
// runs each message of a batch concurrently through pkg/async, and deletes only
// the messages whose handler returned nil. Failed messages stay on the queue and
// are redelivered after their visibility timeout (or dead-lettered by the
// queue's redrive policy).
//
// Example:
//
//	consumer := queue.NewConsumer(client, cfg.Queue.DonationQueueURL, "donations",
//		handler.HandleDonation, queue.ConsumerOptions{Workers: 10}, logger, metrics)
//	go consumer.Run(ctx)
package queue
