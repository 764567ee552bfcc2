// Package types defines the shared domain model of the TacEdge relay:
// messages with their precedence, classification, and lifecycle status;
// tactical nodes with computed liveness; and the structured audit event
// record tagged by NIST 800-53 control family.
//
// The package has no dependencies beyond the standard library so every
// other package can import it freely.
package types
