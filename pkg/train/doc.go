// Package train fits the sequence model to text block by block, feeding the
// frequency store along the way, and records the result as the new best
// checkpoint together with its training metrics.
//
// A run always starts from the best recorded checkpoint when one can be
// loaded (see LoadBest) so repeated runs continue training instead of
// starting cold.
package train
