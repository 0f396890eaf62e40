package chain

import (
	"errors"
	"strings"
)

// PermanentError wraps a submit failure retrying cannot fix: a malformed
// contract call, or a node rejecting the transaction itself rather than a
// transport fault.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether a PermanentError sits anywhere in the chain.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

func permanent(err error) error {
	return &PermanentError{Err: err}
}

// Nodes report these rejections as plain messages, not structured codes, so
// classification matches the conventional geth wording. Nonce conflicts stay
// transient: every attempt re-fetches the pending nonce, and concurrent
// workers share one signer, so a retry resolves them.
var permanentSendMessages = []string{
	"insufficient funds",
	"invalid argument",
	"execution reverted",
	"exceeds block gas limit",
	"intrinsic gas too low",
	"invalid sender",
}

// classifySendError marks node-side transaction rejections permanent.
// Transport faults pass through untouched so failover and retry still apply.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range permanentSendMessages {
		if strings.Contains(msg, fragment) {
			return permanent(err)
		}
	}
	return err
}
