// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides a single-owner, callback-based epoll(7) wrapper
// shared by the connection manager (pre-handshake sockets) and each worker
// goroutine (promoted sockets).
package reactor
