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

package daemon

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/zlomekfs/zfsd/internal/logging"
)

// serveAdmin accepts get-facility/set-facility requests from separate
// "zfsd get-facility"/"zfsd set-facility" CLI invocations over a unix
// socket, a control channel in the spirit of the original daemon's
// control/listener.c admin socket. Each connection carries exactly one
// newline-terminated request and gets exactly one newline-terminated
// reply, so the CLI side never needs to frame anything beyond readline.
func (d *Daemon) serveAdmin(addr string) error {
	if addr == "" {
		return nil
	}
	_ = os.Remove(addr)
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return fmt.Errorf("daemon: admin socket %s: %w", addr, err)
	}
	d.mu.Lock()
	d.adminLn = ln
	d.mu.Unlock()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handleAdminConn(c)
		}
	}()
	return nil
}

func handleAdminConn(c net.Conn) {
	defer c.Close()
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	var reply string
	switch fields[0] {
	case "get-facility":
		reply = "OK " + logging.FacilityNames(logging.Facilities())
	case "set-facility":
		if len(fields) != 2 {
			reply = "ERR set-facility requires exactly one argument"
			break
		}
		mask, err := logging.ParseFacilities(fields[1])
		if err != nil {
			reply = "ERR " + err.Error()
			break
		}
		logging.SetFacilities(mask)
		logging.L().Info("facility mask updated", zap.String("facilities", logging.FacilityNames(mask)))
		reply = "OK " + logging.FacilityNames(mask)
	default:
		reply = "ERR unknown command " + fields[0]
	}
	fmt.Fprintln(c, reply)
}

// AdminRequest dials a running daemon's admin socket, sends line as a
// single request, and returns its reply with the leading "OK "/"ERR "
// status stripped (an "ERR " status comes back as an error).
func AdminRequest(addr, line string) (string, error) {
	c, err := net.Dial("unix", addr)
	if err != nil {
		return "", fmt.Errorf("daemon: dial admin socket %s: %w", addr, err)
	}
	defer c.Close()

	if _, err := fmt.Fprintln(c, line); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("daemon: read admin reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "ERR ") {
		return "", fmt.Errorf("daemon: %s", strings.TrimPrefix(reply, "ERR "))
	}
	return strings.TrimPrefix(reply, "OK "), nil
}
