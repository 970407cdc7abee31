// Package logx wraps zerolog with a value-type Logger whose level and
// sinks can be swapped by config reload. Console output is human readable
// with a short file:line caller; file output is JSON.
package logx
