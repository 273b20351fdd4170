// Copyright 2026 Google LLC
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

package wire

import "fmt"

// OpClass carries the message class in its low nibble and the FAF and
// response bits above it.
type OpClass uint8

const (
	ClassVFS   OpClass = 0x01
	ClassVN    OpClass = 0x02
	ClassCache OpClass = 0x03
	ClassError OpClass = 0x04
	ClassFlush OpClass = 0x05

	// FlagFAF marks a request that expects no reply.
	FlagFAF OpClass = 0x10
	// FlagResponse is set on replies travelling from the daemon.
	FlagResponse OpClass = 0x20

	classMask OpClass = 0x0f
)

// Class strips the flag bits.
func (c OpClass) Class() OpClass {
	return c & classMask
}

func (c OpClass) IsFAF() bool {
	return c&FlagFAF != 0
}

func (c OpClass) IsResponse() bool {
	return c&FlagResponse != 0
}

func (c OpClass) String() string {
	switch c.Class() {
	case ClassVFS:
		return "vfs"
	case ClassVN:
		return "vn"
	case ClassCache:
		return "cache"
	case ClassError:
		return "error"
	case ClassFlush:
		return "flush"
	}
	return fmt.Sprintf("class(%d)", uint8(c.Class()))
}

// VFS class operations.
const (
	VFSUnmount uint8 = iota
	VFSStatVFS
	VFSSync
	VFSFHToVP
	VFSVPToFH
	VFSInit
	VFSExtAttrCtl
	VFSSuspend
)

var vfsNames = []string{
	"UNMOUNT", "STATVFS", "SYNC", "FHTOVP", "VPTOFH", "INIT", "EXTATTRCTL", "SUSPEND",
}

// VN class operations.
const (
	VNLookup uint8 = iota
	VNCreate
	VNMknod
	VNOpen
	VNClose
	VNAccess
	VNGetattr
	VNSetattr
	VNRead
	VNWrite
	VNFsync
	VNSeek
	VNRemove
	VNLink
	VNRename
	VNMkdir
	VNRmdir
	VNSymlink
	VNReaddir
	VNReadlink
	VNAbortop
	VNInactive
	VNReclaim
	VNPrint
	VNPathconf
)

var vnNames = []string{
	"LOOKUP", "CREATE", "MKNOD", "OPEN", "CLOSE", "ACCESS", "GETATTR", "SETATTR",
	"READ", "WRITE", "FSYNC", "SEEK", "REMOVE", "LINK", "RENAME", "MKDIR",
	"RMDIR", "SYMLINK", "READDIR", "READLINK", "ABORTOP", "INACTIVE",
	"RECLAIM", "PRINT", "PATHCONF",
}

// ERROR class notices, sent by the kernel side when a daemon reply could not
// be used.
const (
	ErrMakeNode uint8 = iota + 1
	ErrLookup
	ErrReaddir
	ErrReadlink
	ErrRead
	ErrWrite
	ErrVPToFH
	ErrError
)

var errNames = []string{
	"", "MAKENODE", "LOOKUP", "READDIR", "READLINK", "READ", "WRITE", "VPTOFH", "ERROR",
}

// Suspend notice statuses carried in SuspendIn.
const (
	SuspendStart uint32 = iota + 1
	SuspendSuspended
	SuspendResume
	SuspendError
)

// OpName returns a printable name such as "vn.LOOKUP".
func OpName(class OpClass, opType uint8) string {
	var names []string
	switch class.Class() {
	case ClassVFS:
		names = vfsNames
	case ClassVN:
		names = vnNames
	case ClassError:
		names = errNames
	}

	if int(opType) < len(names) && names[opType] != "" {
		return class.String() + "." + names[opType]
	}
	return fmt.Sprintf("%s.%d", class, opType)
}

// Setback is a set of reply hints asking the vnode layer for bookkeeping
// after a successful operation.
type Setback uint8

const (
	// SetbackInactN1 asks for inactive processing of the node the request
	// was addressed to.
	SetbackInactN1 Setback = 0x01
	// SetbackInactN2 asks for inactive processing of the second node of a
	// two-node operation (the target of remove/rmdir).
	SetbackInactN2 Setback = 0x02
	// SetbackNoRefN1 tells the kernel the daemon holds no further references
	// to the first node.
	SetbackNoRefN1 Setback = 0x04
	// SetbackNoRefN2 is SetbackNoRefN1 for the second node.
	SetbackNoRefN2 Setback = 0x08

	setbackMask = SetbackInactN1 | SetbackInactN2 | SetbackNoRefN1 | SetbackNoRefN2
)

// Valid reports whether only known bits are set.
func (s Setback) Valid() bool {
	return s&^setbackMask == 0
}
