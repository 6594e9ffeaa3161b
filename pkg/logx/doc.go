// Package logx is the bridge's structured logger: a small value-type wrapper
// over zerolog whose output follows config hot reloads.
//
// Console output is human readable with a short caller; the optional file
// sink and the "json" console format write one JSON object per line, which
// is what journald and log shippers expect.
package logx
