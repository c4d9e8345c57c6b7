package service

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"syscall"
	"time"

	"google.golang.org/api/googleapi"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

type errFatalIf interface{ Fatal() bool }
type errFatal struct{ error }

func (t errFatal) Fatal() bool    { return true }
func (t *errFatal) Unwrap() error { return t.error }
func MakeFatal(err error) error   { return &errFatal{err} }

// TransferError is returned when a chip could not be transferred from the backend.
// It is the only error retried by the chip download loop.
type TransferError struct {
	Tile string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s failed: %v", e.Tile, e.Err)
}
func (e *TransferError) Unwrap() error  { return e.Err }
func (e *TransferError) Temporary() bool { return true }

// BadDataError is returned when a chip was transferred but does not contain usable data
type BadDataError struct {
	Path   string
	Reason string
}

func (e *BadDataError) Error() string {
	return fmt.Sprintf("bad data in %s: %s", e.Path, e.Reason)
}

// TooManyTilesError is returned when an area is split in more tiles than allowed
type TooManyTilesError struct {
	Limit int
}

func (e *TooManyTilesError) Error() string {
	return fmt.Sprintf("AOI is split in more than %d tiles. This may be caused by CRS distortion", e.Limit)
}
func (e *TooManyTilesError) Fatal() bool { return true }

// AggregateFailureError is returned once per job when some chips ultimately failed
type AggregateFailureError struct {
	Failed int
	Total  int
}

func (e *AggregateFailureError) Error() string {
	return fmt.Sprintf("%d tiles failed (out of %d)", e.Failed, e.Total)
}

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	var gapiError *googleapi.Error
	if errors.As(err, &gapiError) {
		return gapiError.Code == 429 || gapiError.Code == 500
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Fatal inspects the error and returns whether it's a fatal error
func Fatal(err error) bool {
	var tmp errFatalIf
	if errors.As(err, &tmp) {
		return tmp.Fatal()
	}
	return false
}

// IsTransfer returns true if err is (or wraps) a TransferError
func IsTransfer(err error) bool {
	var terr *TransferError
	return errors.As(err, &terr)
}

// MergeErrors, appending texts
// if priorityToErr is true, priority to the fatal error then to the temporary
// else, priority to no error, then to the temporary and finally to the fatal error.
func MergeErrors(priorityToError bool, err error, newErrs ...error) error {
	if len(newErrs) == 0 {
		return err
	}
	newErr := newErrs[0]

	if newErr == nil {
		if !priorityToError {
			return nil
		}
	} else if err == nil {
		err = newErr
	} else if priorityToError != Temporary(err) {
		err = fmt.Errorf("%w\n %v", err, newErr)
	} else {
		err = fmt.Errorf("%w\n %v", newErr, err)
	}
	return MergeErrors(priorityToError, err, newErrs[1:]...)
}

// Retriable calls f at most n times, waiting delay between two calls, until it succeeds.
// It returns the last error.
func Retriable(ctx context.Context, f func() error, delay time.Duration, n int) error {
	var err error
	for i := 0; i < n; i++ {
		if err = f(); err == nil {
			return nil
		}
		if i == n-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// RetryPolicy describes how many times an operation is attempted and on which errors
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable returns true if the error must trigger a new attempt
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transfer errors up to 5 attempts in total
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Delay: time.Second, Retryable: IsTransfer}
}

// Do calls f until it succeeds, returns a non-retryable error or the attempts are exhausted.
// attempt starts at 1.
func (p RetryPolicy) Do(ctx context.Context, f func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransfer
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = f(attempt); err == nil || !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(p.Delay):
		}
	}
	return err
}
