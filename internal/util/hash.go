// Package util provides logging, traffic statistics and connection ids
// shared by every role.
package util

import (
	"hash/fnv"
	"net"
)

// ConnID computes a 4-byte hash from a TCP connection's 4-tuple. It tags
// log lines only and is not unique.
func ConnID(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}
