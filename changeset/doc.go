// Package changeset carries the keyed change notification primitives the
// operators in this module are built on.
//
// A Batch is an ordered slice of Change entries delivered as one unit through
// a Stream. Cache is a source of such batches, Store is the plain keyed
// mirror used to follow one, and Subject, Publish, Share and ShareChanges
// multicast a stream to several observers.
//
// Delivery is push based and happens on the producer's goroutine. Nothing in
// this package starts goroutines.
package changeset
