// Package task runs natural-language queries asynchronously. Submissions are
// persisted without caller credentials, published to a queue (memory, Redis
// or RabbitMQ) and executed by a Processor that retries retryable failures
// and raises alerts when a task fails for good.
package task
