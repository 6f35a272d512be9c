// Package security provides request correlation, rate limiting, audit
// logging, and secure header management for the bridge's HTTP surface.
package security
