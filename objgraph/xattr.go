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

package objgraph

import (
	"context"
	"syscall"

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/wire"
)

// Getxattr returns the value of the extended attribute name on fh.
func (g *Graph) Getxattr(ctx context.Context, fh wire.FH, name string) ([]byte, error) {
	f, err := g.resolveFH(ctx, fh)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := syscall.Getxattr(f.Path, name, buf)
	if err != nil {
		return nil, zfserr.New("Getxattr", zfserr.CodeOf(err), err)
	}
	return buf[:n], nil
}

// Setxattr sets the extended attribute name on fh to value.
func (g *Graph) Setxattr(ctx context.Context, fh wire.FH, name string, value []byte, flags int) error {
	f, err := g.resolveFH(ctx, fh)
	if err != nil {
		return err
	}
	if err := syscall.Setxattr(f.Path, name, value, flags); err != nil {
		return zfserr.New("Setxattr", zfserr.CodeOf(err), err)
	}
	return nil
}

// Listxattr returns the names of every extended attribute set on fh.
func (g *Graph) Listxattr(ctx context.Context, fh wire.FH) ([]string, error) {
	f, err := g.resolveFH(ctx, fh)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := syscall.Listxattr(f.Path, buf)
	if err != nil {
		return nil, zfserr.New("Listxattr", zfserr.CodeOf(err), err)
	}
	return splitNullTerminated(buf[:n]), nil
}

// Removexattr removes the extended attribute name from fh.
func (g *Graph) Removexattr(ctx context.Context, fh wire.FH, name string) error {
	f, err := g.resolveFH(ctx, fh)
	if err != nil {
		return err
	}
	if err := syscall.Removexattr(f.Path, name); err != nil {
		return zfserr.New("Removexattr", zfserr.CodeOf(err), err)
	}
	return nil
}

func splitNullTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}
