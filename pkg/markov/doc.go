/*
Package markov provides a database-backed character n-gram frequency store.

Text is cleaned to the shared alphabet (see package charset), every window of
order 2, 3 and 4 is counted, and the counts are merged into SQLite with a
single upsert-by-sum per row. Probabilities are never stored; they are derived
on demand as count / sum(counts sharing the same order and context) and kept in
a small LRU cache that is purged whenever the counts change.

The store also supports JSON export and import (merge by sum), pruning of rare
n-grams and a full reset.
*/
package markov
