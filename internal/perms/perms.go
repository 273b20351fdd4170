// Copyright 2015 Google Inc. All Rights Reserved.
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


// Package perms resolves the owner reported for inodes of a mount.
package perms

import (
	"fmt"
	"math"
	"os"
)

// MyUserAndGroup returns the UID and GID of this process.
func MyUserAndGroup() (uid, gid uint32, err error) {
	signedUID := os.Getuid()
	signedGID := os.Getgid()

	// Only windows documents negative ids.
	if signedGID < 0 || signedUID < 0 {
		err = fmt.Errorf("failed to get uid/gid. UID = %d, GID = %d", signedUID, signedGID)
		return
	}

	uid = uint32(signedUID)
	gid = uint32(signedGID)
	return
}

// Owner picks the uid and gid handed to the daemon. A negative configured
// value stands for the id of this process.
func Owner(configuredUID, configuredGID int64) (uid, gid uint32, err error) {
	if configuredUID > math.MaxUint32 || configuredGID > math.MaxUint32 {
		return 0, 0, fmt.Errorf("uid/gid out of range: %d/%d", configuredUID, configuredGID)
	}
	uid, gid, err = MyUserAndGroup()
	if err != nil {
		return
	}
	if configuredUID >= 0 {
		uid = uint32(configuredUID)
	}
	if configuredGID >= 0 {
		gid = uint32(configuredGID)
	}
	return
}
