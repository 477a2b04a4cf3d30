// Package main is the entry point for the runbox MCP server.
//
// The runbox server accepts untrusted programs in any configured language,
// compiles and runs each one in a fresh, resource-limited container, and
// returns a classified result. Tools are exposed over the Model Context
// Protocol on stdio or streamable HTTP, and Prometheus metrics are served on
// a separate port.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
