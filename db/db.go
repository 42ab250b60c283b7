package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating directories as needed) the bridge database and makes
// sure the schema exists.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := EnsureSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// EnsureSchema creates the pairing tables if they do not exist yet.
func EnsureSchema(conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		device_id TEXT NOT NULL,
		paired_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_pins (
		serial TEXT PRIMARY KEY,
		pin TEXT NOT NULL,
		plant_id INTEGER NOT NULL,
		device_name TEXT NOT NULL,
		validated_at TEXT NOT NULL
	);
	`
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SeedIdentity stores the account credentials and the generated device id.
// The device id seeds key derivation on the cloud side: once a pairing
// exists it must be preserved, never regenerated.
func SeedIdentity(conn *sql.DB, username, password, deviceID string) error {
	_, err := conn.Exec(
		`INSERT OR REPLACE INTO identity (id, username, password, device_id, paired_at) VALUES (1, ?, ?, ?, ?)`,
		username, password, deviceID, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to seed identity: %w", err)
	}
	return nil
}
