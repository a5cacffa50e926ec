// Package presence holds the process-wide record of which user identities
// currently have a live connection.
package presence
