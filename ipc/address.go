// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package ipc

import "strings"

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s has the prefix "ws://" or "wss://", it is a WebSocket URL and the
// network is "ws".
//
// If s does not have the form [host]:port, the network is assumed to be "unix".
// The network is also assumed to be "unix" if s contains a slash before its
// final colon, so that paths like "/tmp/svc:1" are not mistaken for hosts.
//
// Otherwise, the network is "tcp".
func SplitAddress(s string) (network, address string) {
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		return "ws", s
	}
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
