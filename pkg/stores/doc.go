// Package stores persists devfleet run history in SQLite: one row per
// fan-out run, one row per device result, and an audit log of notable
// actions such as commands refused by policy. The schema is applied with
// embedded golang-migrate migrations.
package stores
