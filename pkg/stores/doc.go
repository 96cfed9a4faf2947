// Package stores keeps the history of control commands and provisioning
// sessions in SQLite, with schema migrations embedded in the binary.
package stores
