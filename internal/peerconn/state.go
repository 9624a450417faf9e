// Package peerconn implements the active peer connection (C3): a single
// TCP connection to one peer driving the line-oriented COPY_*/SYNC_*/
// PROXY_* protocol and its blob transfer sublayer.
//
// Each Conn is used by one caller at a time; its command methods block on
// network I/O in the calling goroutine rather than suspending on flags
// driven by an external poll loop. This is the natural Go rendition of
// the cooperative-suspension model: a blocking call in its own goroutine
// already releases every other goroutine to make progress, so there is no
// event loop to register/deregister from.
package peerconn

import "fmt"

// ConnState names the connection's position in the per-command state
// machine. Idle is the state of a freshly dialled connection; a finished
// command leaves it in ReadyForPool. runCommand does not check the state
// before starting a command: the Conn mutex is what keeps commands from
// overlapping.
type ConnState uint8

const (
	Idle ConnState = iota
	WaitOneLineAnswer
	WaitForMetaInfo
	ReadFoundMeta
	ReadCopyPut
	WaitForFirstData
	WriteBlobData
	FinishWritingBlob
	ReadCopyProlong
	ReadConfirm
	ReadDataPrefix
	ReadDataForClient
	ReadWritePrefix
	WriteDataForClient
	ReadSyncStartAnswer
	ReadEventsList
	ReadBlobsList
	ReadSyncGetAnswer
	ReadBlobData
	ReadSyncProInfoAnswer
	ExecProInfoCmd
	ReadyForPool
	WaitClientRelease
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitOneLineAnswer:
		return "WaitOneLineAnswer"
	case WaitForMetaInfo:
		return "WaitForMetaInfo"
	case ReadFoundMeta:
		return "ReadFoundMeta"
	case ReadCopyPut:
		return "ReadCopyPut"
	case WaitForFirstData:
		return "WaitForFirstData"
	case WriteBlobData:
		return "WriteBlobData"
	case FinishWritingBlob:
		return "FinishWritingBlob"
	case ReadCopyProlong:
		return "ReadCopyProlong"
	case ReadConfirm:
		return "ReadConfirm"
	case ReadDataPrefix:
		return "ReadDataPrefix"
	case ReadDataForClient:
		return "ReadDataForClient"
	case ReadWritePrefix:
		return "ReadWritePrefix"
	case WriteDataForClient:
		return "WriteDataForClient"
	case ReadSyncStartAnswer:
		return "ReadSyncStartAnswer"
	case ReadEventsList:
		return "ReadEventsList"
	case ReadBlobsList:
		return "ReadBlobsList"
	case ReadSyncGetAnswer:
		return "ReadSyncGetAnswer"
	case ReadBlobData:
		return "ReadBlobData"
	case ReadSyncProInfoAnswer:
		return "ReadSyncProInfoAnswer"
	case ExecProInfoCmd:
		return "ExecProInfoCmd"
	case ReadyForPool:
		return "ReadyForPool"
	case WaitClientRelease:
		return "WaitClientRelease"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnState(%d)", uint8(s))
	}
}

// Flags are independent of ConnState: a connection can be waiting on a
// storage accessor or on client back-pressure regardless of which
// command-state branch it currently occupies.
type Flags uint8

const (
	WaitForBlockedOp Flags = 1 << iota
	WaitForClient
)
