// Package logx configures orderbot's structured logging.
//
// It is a thin wrapper (logx.Logger) on top of zerolog that keeps
// console output readable (short timestamp + short caller) while file
// output stays JSON-structured. The zero value is a safe no-op logger,
// so services can accept a Logger without nil checks.
package logx
