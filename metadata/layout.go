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

package metadata

import (
	"fmt"
	"path/filepath"
)

// MaxMetadataTreeDepth bounds the hash-prefix fan-out used to keep any one
// directory under <local_path>/.zfs/ from accumulating too many entries,
// per SPEC_FULL.md §4.F / §6.
const MaxMetadataTreeDepth = 2

const (
	metadataDirName  = ".zfs"
	metadataHashName = "metadata.hash"
	fhMappingName    = "fh_mapping.hash"
	intervalDirName  = "interval"
	journalDirName   = "journal"
	hardlinkDirName  = "hardlinks"
)

func controlDir(localPath string) string {
	return filepath.Join(localPath, metadataDirName)
}

func metadataHashPath(localPath string) string {
	return filepath.Join(controlDir(localPath), metadataHashName)
}

func fhMappingPath(localPath string) string {
	return filepath.Join(controlDir(localPath), fhMappingName)
}

// fanoutComponents splits ino's low MaxMetadataTreeDepth bytes into
// two-hex-digit directory components, most significant first, so that
// objects fan out evenly across a bounded directory tree.
func fanoutComponents(ino uint32) []string {
	comps := make([]string, MaxMetadataTreeDepth)
	for i := 0; i < MaxMetadataTreeDepth; i++ {
		shift := uint(8 * (MaxMetadataTreeDepth - 1 - i))
		comps[i] = fmt.Sprintf("%02x", byte(ino>>shift))
	}
	return comps
}

func objDir(localPath, kind string, ino uint32) string {
	parts := append([]string{controlDir(localPath), kind}, fanoutComponents(ino)...)
	return filepath.Join(parts...)
}

func intervalPath(localPath string, ino uint32, kind IntervalKind) string {
	return filepath.Join(objDir(localPath, intervalDirName, ino), fmt.Sprintf("%d%s", ino, kind.suffix()))
}

func journalPath(localPath string, ino uint32) string {
	return filepath.Join(objDir(localPath, journalDirName, ino), fmt.Sprintf("%d", ino))
}

func hardlinkPath(localPath string, ino uint32) string {
	return filepath.Join(objDir(localPath, hardlinkDirName, ino), fmt.Sprintf("%d", ino))
}
