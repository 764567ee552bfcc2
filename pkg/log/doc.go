// Package log provides structured logging for all TacEdge components,
// built on zerolog. Call Init once at startup, then use the package
// helpers or derive child loggers with WithComponent, WithMessageID,
// WithNodeID, or WithRequestID.
package log
