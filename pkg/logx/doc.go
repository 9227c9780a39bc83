// Package logx provides a small structured-logging facade over zerolog
// with runtime-reconfigurable sinks (console, file).
package logx
