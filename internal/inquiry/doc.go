// Package inquiry persists contact inquiries and newsletter subscribers in a
// local SQLite database.
package inquiry
