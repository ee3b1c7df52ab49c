package log

// Package log is chirper's small logging wrapper around the standard library
// logger. Every subsystem asks for a named logger once and keeps it:
//
//	var logger = log.ForService("realtime")
//
//	logger.Infof("session %s registered for user %d", sid, uid)
//	logger.Debugf("queue depth %d", n) // only with --debug or EnableDebugFor("realtime")
//
// Lines are prefixed with the service name in brackets, e.g.
//
//	2025/01/02 15:04:05.000000 INFO [realtime] session abc registered for user 7
//
// Debug output can be switched on for the whole process (SetGlobalDebug, wired
// to the --debug flag) or for a single service (EnableDebugFor). Tests route
// output into a buffer with SetOutput and assert on the text.
//
// The package name collides with the standard library on purpose. Files that
// need both alias the standard one:
//
//	import (
//		stdlog "log"
//		"github.com/rubiojr/chirper/pkg/log"
//	)
