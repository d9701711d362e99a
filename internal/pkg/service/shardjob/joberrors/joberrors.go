// Package joberrors defines the error taxonomy of the sharded job coordination.
package joberrors

import (
	"fmt"
	"time"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// ConnectivityFaultError wraps an unreachable registry or a lost session.
// It is not fatal to the process, the session is re-created and the instance re-registers.
type ConnectivityFaultError struct {
	err error
}

func NewConnectivityFaultError(err error) ConnectivityFaultError {
	return ConnectivityFaultError{err: err}
}

func (e ConnectivityFaultError) Error() string {
	return fmt.Sprintf("registry connectivity fault: %s", e.err)
}

func (e ConnectivityFaultError) Unwrap() error {
	return e.err
}

// WrapConnectivity converts an etcd connectivity error to ConnectivityFaultError, other errors are returned unchanged.
func WrapConnectivity(err error) error {
	if err == nil {
		return nil
	}
	var faultErr ConnectivityFaultError
	if errors.As(err, &faultErr) {
		return err
	}
	if op.IsConnectivityError(err) {
		return NewConnectivityFaultError(err)
	}
	return err
}

// ConfigurationConflictError is returned when an existing job is redefined with an incompatible type.
type ConfigurationConflictError struct {
	JobName      string
	ExistingType string
	NewType      string
}

func (e ConfigurationConflictError) Error() string {
	return fmt.Sprintf(`job "%s" conflict: existing type "%s", new type "%s"`, e.JobName, e.ExistingType, e.NewType)
}

// TimeoutError is returned when the guarantee barrier did not reach the required item set in time.
type TimeoutError struct {
	Barrier string
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf(`job timeout: barrier "%s" not reached within %s`, e.Barrier, e.Timeout)
}

// AssignmentRaceError is a concurrent modification of the sharding assignment, it is retried internally.
type AssignmentRaceError struct {
	Generation int64
}

func (e AssignmentRaceError) Error() string {
	return fmt.Sprintf("sharding assignment race, generation %d has been modified", e.Generation)
}

// NoCloserError is returned when the item 0, which closes the barrier, is not assigned or is disabled.
type NoCloserError struct {
	JobName string
	Reason  string
}

func (e NoCloserError) Error() string {
	return fmt.Sprintf(`job "%s": guarantee barrier has no closer, %s`, e.JobName, e.Reason)
}
