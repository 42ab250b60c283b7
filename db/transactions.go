package db

import (
	"database/sql"
	"fmt"
	"time"
)

// SetDevicePIN records a validated serial->PIN mapping.
func SetDevicePIN(conn *sql.DB, serial, pin string, plantID int, deviceName string) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO device_pins (serial, pin, plant_id, device_name, validated_at) VALUES (?, ?, ?, ?, ?)`,
		serial, pin, plantID, deviceName, time.Now().Format(time.RFC3339))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("set device pin: %w", err)
	}
	return tx.Commit()
}

// UpdateCredentials replaces the stored account credentials while preserving
// the device id and pairing timestamp.
func UpdateCredentials(conn *sql.DB, username, password string) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	res, err := tx.Exec(`UPDATE identity SET username = ?, password = ? WHERE id = 1`, username, password)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return fmt.Errorf("update credentials: bridge is not paired")
	}
	return tx.Commit()
}

// SetDevicePINCLI is the maintenance entry point used by the pairing CLI to
// fix up a single PIN on an already-paired bridge.
func SetDevicePINCLI(dbPath, serial, pin string) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	var plantID int
	var deviceName string
	err = conn.QueryRow(`SELECT plant_id, device_name FROM device_pins WHERE serial = ?`, serial).
		Scan(&plantID, &deviceName)
	if err != nil {
		return fmt.Errorf("unknown serial %s: %w", serial, err)
	}
	return SetDevicePIN(conn, serial, pin, plantID, deviceName)
}

// IsPaired reports whether an identity row exists.
func IsPaired(conn *sql.DB) (bool, error) {
	var n int
	err := conn.QueryRow(`SELECT COUNT(*) FROM identity`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return n > 0, nil
}
