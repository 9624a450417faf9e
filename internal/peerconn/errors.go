package peerconn

import "github.com/pkg/errors"

// Kind classifies a command failure the way spec §7 enumerates them, so
// callers (C4/C5) can dispatch on disposition without string matching.
type Kind uint8

const (
	KindProtocol Kind = iota
	KindPeer
	KindNotFound
	KindNetwork
	KindThrottled
	KindCrossSync
	KindServerBusy
	KindAborted
	KindBlobCorrupted
)

// Error wraps a command failure with its Kind and the peer-visible
// message, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func wrapNetwork(op string, err error) error {
	return newErr(KindNetwork, op, errors.WithStack(err))
}

// ErrConnThrottled is returned by createNewSocket-equivalent callers when
// the owning peer is within its throttle window (spec §4.3/§8).
var ErrConnThrottled = newErr(KindThrottled, "Connection is throttled", nil)

// ErrBlobNotFound is the NotFound disposition: treated as success-empty
// in sync paths, as a real error in direct proxy reads (spec §7).
var ErrBlobNotFound = newErr(KindNotFound, "BLOB not found", nil)

// ErrHaveNewer is SyncRead's not-really-an-error disposition: the peer
// already has something newer than origTime for this key by the time
// the pull arrived, so there is nothing to fetch (spec §4.5 step 5).
var ErrHaveNewer = newErr(KindPeer, "HAVE_NEWER", nil)
