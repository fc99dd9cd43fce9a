// Package socks5 is the RFC 1928 wire codec used by the local proxy: the
// no-auth method negotiation, CONNECT request parsing and reply encoding.
//
// Low-level constants and the negotiation reply come from
// github.com/txthinking/socks5; request parsing is done here so that each
// malformed input maps to a specific reply status.
package socks5
