// Package errors provides shared sentinel errors used throughout the
// worker-channel host.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrNotConnected indicates a required connection is not established.
	ErrNotConnected = stderrors.New("not connected")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = stderrors.New("timeout")

	// ErrBufferFull indicates a buffer is at capacity.
	ErrBufferFull = stderrors.New("buffer full")

	// ErrDisposed indicates the channel has already been disposed.
	ErrDisposed = stderrors.New("channel disposed")

	// ErrTransportFailed indicates the underlying transport failed and any
	// in-flight invocations riding it can no longer complete normally.
	ErrTransportFailed = stderrors.New("transport failed")

	// ErrFunctionNotRegistered indicates a function id has no input queue,
	// i.e. SetupFunctionInvocationBuffers was never called for it.
	ErrFunctionNotRegistered = stderrors.New("function not registered")

	// ErrCancelled indicates an invocation's context was cancelled before
	// its request was sent to the worker.
	ErrCancelled = stderrors.New("invocation cancelled")

	// ErrWrongState indicates an operation was attempted while the channel
	// was in a state that does not permit it.
	ErrWrongState = stderrors.New("channel in wrong state")
)
