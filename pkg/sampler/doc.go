// Package sampler generates text one character at a time from a blend of the
// n-gram frequency store and the neural sequence model.
//
// The blend for a context is built from orders 4, 3 and 2 (each weighted and
// renormalized over the orders that actually matched) mixed with the model's
// prediction, then reshaped by temperature before a categorical draw.
package sampler
