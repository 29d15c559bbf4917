// Package tools provides host command helpers shared by shell components.
//
// Ownership boundary:
// - starting long-lived child processes with a merged environment
//
// - mapping command errors to process exit codes
package tools
