// Package logx is a thin structured-logging facade over zerolog.
//
// It supports console, file and Telegram sinks, live reconfiguration via
// Service.Apply, and a zero-value no-op Logger that is safe to use before
// the log service is wired up.
package logx
