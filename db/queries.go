package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Identity is the stored pairing: account credentials plus the device id
// generated at first pairing.
type Identity struct {
	Username string
	Password string
	DeviceID string
	PairedAt time.Time
}

// GetIdentity retrieves the stored pairing identity. sql.ErrNoRows means the
// bridge has never been paired.
func GetIdentity(conn *sql.DB) (*Identity, error) {
	var ident Identity
	var pairedAt string
	err := conn.QueryRow(`SELECT username, password, device_id, paired_at FROM identity WHERE id = 1`).
		Scan(&ident.Username, &ident.Password, &ident.DeviceID, &pairedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	ident.PairedAt, _ = time.Parse(time.RFC3339, pairedAt)
	return &ident, nil
}

// GetDevicePINs retrieves all validated serial->PIN mappings.
func GetDevicePINs(conn *sql.DB) (map[string]string, error) {
	rows, err := conn.Query(`SELECT serial, pin FROM device_pins`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device pins: %w", err)
	}
	defer rows.Close()

	pins := make(map[string]string)
	for rows.Next() {
		var serial, pin string
		if err := rows.Scan(&serial, &pin); err != nil {
			return nil, fmt.Errorf("failed to scan device pin: %w", err)
		}
		pins[serial] = pin
	}
	return pins, rows.Err()
}

// GetDevicePIN retrieves the PIN for a single controller serial.
func GetDevicePIN(conn *sql.DB, serial string) (string, error) {
	var pin string
	err := conn.QueryRow(`SELECT pin FROM device_pins WHERE serial = ?`, serial).Scan(&pin)
	if err != nil {
		return "", fmt.Errorf("failed to get pin for %s: %w", serial, err)
	}
	return pin, nil
}
