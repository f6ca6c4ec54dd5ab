// Package server exposes the publication side over HTTP: the /ws
// transaction stream, health and Prometheus endpoints, JSON access to the
// recent transactions and stored bodies, and an optional static viewer.
package server
