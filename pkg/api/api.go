// Package api holds the JSON schemas served by the node's HTTP API and a
// client for reading them.
package api
