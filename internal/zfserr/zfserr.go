// Copyright 2024 The Zlomek FS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package zfserr defines the closed error-code enum that travels in reply
// envelopes (SPEC_FULL.md §6 "Error codes") and the Error type every
// internal layer wraps its causes in before they cross a protocol/RPC
// boundary.
package zfserr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Code is the closed, POSIX-subset-plus-zfsd-specific error enum that
// travels as an i32 in reply envelopes. Zero is success.
type Code int32

const (
	OK Code = 0

	ENOENT Code = iota + 1
	EACCES
	EEXIST
	EIO
	ENOSPC
	ENOSYS
	EINTR
	EROFS
	ENAMETOOLONG
	EBUSY
	EINVAL
	EFBIG
	ETXTBSY
	EOPNOTSUPP

	STALE
	INVALID_REPLY
	CONNECTION_LOST
	TIMEOUT
	EXITING
)

var names = map[Code]string{
	OK:              "OK",
	ENOENT:          "ENOENT",
	EACCES:          "EACCES",
	EEXIST:          "EEXIST",
	EIO:             "EIO",
	ENOSPC:          "ENOSPC",
	ENOSYS:          "ENOSYS",
	EINTR:           "EINTR",
	EROFS:           "EROFS",
	ENAMETOOLONG:    "ENAMETOOLONG",
	EBUSY:           "EBUSY",
	EINVAL:          "EINVAL",
	EFBIG:           "EFBIG",
	ETXTBSY:         "ETXTBSY",
	EOPNOTSUPP:      "EOPNOTSUPP",
	STALE:           "ZFS_STALE",
	INVALID_REPLY:   "ZFS_INVALID_REPLY",
	CONNECTION_LOST: "ZFS_CONNECTION_LOST",
	TIMEOUT:         "ZFS_TIMEOUT",
	EXITING:         "ZFS_EXITING",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("zfserr.Code(%d)", int32(c))
}

// Error wraps an underlying cause with the Code it maps to on the wire and
// the operation that produced it, the way cfg/validate.go and
// cmd/legacy_param_mapper.go layer validation errors in the teacher.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op, wrapping cause.
func New(op string, code Code, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// CodeOf extracts the Code carried by err, if any was attached via New,
// translating common stdlib sentinel errors (os/fs not-exist, permission,
// context deadline) to their nearest Code otherwise. Every protocol/RPC
// handler calls this before encoding a reply so that no raw Go error
// string ever crosses the wire.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Code
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, syscall.ENOSPC):
		return ENOSPC
	case errors.Is(err, syscall.ENAMETOOLONG):
		return ENAMETOOLONG
	case errors.Is(err, syscall.EINVAL):
		return EINVAL
	case errors.Is(err, context.DeadlineExceeded):
		return TIMEOUT
	default:
		return EIO
	}
}
