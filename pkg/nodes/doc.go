// Package nodes maintains the registry of tactical nodes: persistent
// records with heartbeat-derived liveness.
package nodes
