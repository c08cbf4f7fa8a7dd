// Package main is the entry point for the app runtime server.
//
// The server hosts the three stages a generated app passes through on its
// way to the user:
//
//	Build:   compile the app's virtual file set into one module
//	Sandbox: run the module behind the host<->sandbox message bridge
//	Runtime: provision isolated environments for server-side code
//
// Configuration comes from environment variables (12-factor), with the
// -port flag as an override. SIGINT and SIGTERM trigger graceful
// shutdown: the HTTP listener drains, then every environment is torn
// down.
//
// Usage:
//
//	./server -port 8000
package main
