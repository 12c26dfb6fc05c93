// Package service assembles the frequency store, the trainer, the sampler,
// the evaluator and the job orchestrator into one object over a single
// SQLite database. The HTTP API and the CLI both drive it.
//
// Generation always reads the most recently published model. A training run
// works on its own copy of the weights and publishes it only after the
// checkpoint is recorded, so readers never observe partial updates.
package service
