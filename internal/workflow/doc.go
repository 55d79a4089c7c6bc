// Package workflow coordinates the review-and-remediate pipeline:
// predict, analyze, fix, integrate, learn. Executions are checkpointed
// after every state transition so a crashed process can resume, steps are
// retried with exponential backoff, and concurrency is capped by a weighted
// semaphore.
package workflow
