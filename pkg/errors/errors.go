// Package errors defines the AegisSDK core error taxonomy (spec §7). Core
// packages return these types, wrapped with call-site context, for the
// conditions they name. Other failures, such as transport, encoding and
// configuration errors, are wrapped with fmt.Errorf around the underlying
// error and are not mapped onto this taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions with no additional structured context.
// Use errors.Is to test for these.
var (
	// ErrNotConnected means no healthy transport connection is available.
	ErrNotConnected = errors.New("aegis-sdk: not connected")
	// ErrTimeout means a per-attempt deadline elapsed.
	ErrTimeout = errors.New("aegis-sdk: timeout")
	// ErrAlreadyExists means a create-only write lost a race.
	ErrAlreadyExists = errors.New("aegis-sdk: already exists")
	// ErrNotFound means a key or record is absent.
	ErrNotFound = errors.New("aegis-sdk: not found")
	// ErrNotActive means an RPC reached a standby instance.
	ErrNotActive = errors.New("aegis-sdk: not active")
	// ErrKVTTLNotSupported means the underlying stream lacks per-key TTL
	// support; raised at bucket-creation time only (see DESIGN.md §Open
	// Question 3).
	ErrKVTTLNotSupported = errors.New("aegis-sdk: kv ttl not supported")
	// ErrServiceNotFound means no instance of a service has ever been
	// registered, distinct from ErrInstanceNotFound (a specific instance
	// expired or was deregistered but the service itself is known).
	ErrServiceNotFound = errors.New("aegis-sdk: service not found")
	// ErrInstanceNotFound means a specific instance record is absent,
	// while other instances of the same service may still be live.
	ErrInstanceNotFound = errors.New("aegis-sdk: instance not found")
	// ErrLeaderHealthy means a manual election trigger was rejected
	// because a healthy leader is already observed for the group.
	ErrLeaderHealthy = errors.New("aegis-sdk: leader already healthy")
)

// RevisionMismatchError is returned when a CAS write's observed revision does
// not match the store's current revision for that key.
type RevisionMismatchError struct {
	Key      string
	Expected uint64
	Current  uint64
}

func (e *RevisionMismatchError) Error() string {
	return fmt.Sprintf("aegis-sdk: revision mismatch for key %q: expected %d, current %d", e.Key, e.Expected, e.Current)
}

// Is allows errors.Is(err, &RevisionMismatchError{}) style checks against the
// error kind without requiring callers to know the field values.
func (e *RevisionMismatchError) Is(target error) bool {
	_, ok := target.(*RevisionMismatchError)
	return ok
}

// PublishFailedError is returned when a publish fails: for JetStream
// publishes once the retry budget is exhausted, for core NATS publishes
// (heartbeats, command progress and callbacks) on the first failure.
type PublishFailedError struct {
	Subject string
	Err     error
}

func (e *PublishFailedError) Error() string {
	return fmt.Sprintf("aegis-sdk: publish to %q failed: %v", e.Subject, e.Err)
}

func (e *PublishFailedError) Unwrap() error { return e.Err }

// ValidationError reports a programmer error: a bad key, bad name, or
// malformed configuration. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("aegis-sdk: validation error on %q: %s", e.Field, e.Reason)
}

// AfterNRetriesError is returned by the RPC call use case when retries are
// exhausted against a NOT_ACTIVE response.
type AfterNRetriesError struct {
	Attempts int
	LastErr  error
}

func (e *AfterNRetriesError) Error() string {
	return fmt.Sprintf("aegis-sdk: rpc failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *AfterNRetriesError) Unwrap() error { return e.LastErr }
