//go:build cgo

package db

// Registers the "sqlite3" driver for local.driver = sqlite3.
import _ "github.com/mattn/go-sqlite3"
