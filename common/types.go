package common

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

type Offset int64
type FileId int64
type ChunkHandle int64
type ChunkVersion int64
type ServerAddr string
type StriperType int
type ErrorCode int

const (
	StriperNone StriperType = 0
	StriperRS   StriperType = 2
)

// Negative status codes carried on ops and mapped onto the wire.
// Zero means success.
const (
	StatusOK              ErrorCode = 0
	StatusInvalid         ErrorCode = -1
	StatusNotFound        ErrorCode = -2
	StatusAlreadyExists   ErrorCode = -3
	StatusOutOfMemory     ErrorCode = -4
	StatusHostUnreachable ErrorCode = -5
	StatusTimeout         ErrorCode = -6
	StatusBadChecksum     ErrorCode = -7
	StatusIO              ErrorCode = -8
	StatusCancelled       ErrorCode = -9
	StatusFatal           ErrorCode = -10
)

type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return e.Err
}

// NewError wraps a status code with a formatted message.
func NewError(code ErrorCode, format string, args ...any) Error {
	return Error{Code: code, Err: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the status code from an error. Errors that carry no
// code map to StatusIO; nil maps to StatusOK.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return StatusOK
	}
	if e, ok := err.(Error); ok {
		return e.Code
	}
	return StatusIO
}

// Die reports an unrecoverable invariant violation. The zerolog panic
// level kills the process unless a test harness recovers it.
func Die(format string, args ...any) {
	log.Panic().Msgf(format, args...)
}

type ServerLocation struct {
	Host string
	Port int
}

func (l ServerLocation) IsValid() bool {
	return l.Host != "" && l.Port > 0
}

func (l ServerLocation) Addr() ServerAddr {
	return ServerAddr(fmt.Sprintf("%s:%d", l.Host, l.Port))
}

func (l ServerLocation) String() string {
	if !l.IsValid() {
		return "none"
	}
	return string(l.Addr())
}
