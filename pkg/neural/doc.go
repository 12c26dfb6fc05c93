// Package neural implements the character-level sequence model: a small
// reverse-mode autograd over float64 vectors, the layers built on it
// (embedding, 1-D convolution, bidirectional LSTM, multi-head self-attention,
// feed-forward head), an AdamW optimizer and JSON weight blobs.
package neural
