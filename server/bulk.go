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

package server

import "github.com/zlomekfs/zfsd/wire"

// putBulk writes a u32 length followed by the raw bytes, bounded by
// wire.MaxData, for READ replies and WRITE arguments (§4.A's "a bulk data
// buffer" compound type).
func putBulk(e *wire.Encoder, p []byte) error {
	if err := e.PutU32(uint32(len(p))); err != nil {
		return err
	}
	return e.PutBytes(p, wire.MaxData)
}

func getBulk(d *wire.Decoder) ([]byte, error) {
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	return d.GetBytes(int(n), wire.MaxData)
}
