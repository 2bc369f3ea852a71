// Package logx is transitwatch's structured logging on top of zerolog.
//
// A Logger from Service follows config reloads. Sinks are the console, a JSON
// file and a rate-limited Telegram chat for operator alerts.
package logx
