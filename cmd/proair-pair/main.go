package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/homefleet/proair-bridge/db"
	"github.com/homefleet/proair-bridge/internal/config"
	"github.com/homefleet/proair-bridge/internal/model"
	"github.com/homefleet/proair-bridge/internal/proair"
)

// proair-pair performs the one-time account pairing: it logs in with the
// configured credentials, validates every configured serial/PIN pair against
// the cloud, and persists the resulting identity for the bridge daemon.
func main() {
	var configFile, dbPath, fixSerial, fixPIN string
	flag.StringVar(&configFile, "config", "config.json", "Path to bridge config file")
	flag.StringVar(&dbPath, "db", "", "Database path (defaults to the config value)")
	flag.StringVar(&fixSerial, "fix-serial", "", "Re-pair a single serial instead of a full pairing run")
	flag.StringVar(&fixPIN, "fix-pin", "", "New PIN for -fix-serial")
	flag.Parse()

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		fmt.Printf("Error: could not read config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: invalid config: %v\n", err)
		os.Exit(1)
	}
	if dbPath == "" {
		dbPath = cfg.DatabasePath
	}

	if fixSerial != "" {
		if fixPIN == "" {
			fmt.Println("Error: -fix-pin is required with -fix-serial")
			os.Exit(1)
		}
		conn, err := db.Open(dbPath)
		if err != nil {
			fmt.Printf("Error: could not open database: %v\n", err)
			os.Exit(1)
		}
		oldPIN, err := db.GetDevicePIN(conn, fixSerial)
		conn.Close()
		if err != nil {
			fmt.Printf("Error: %s is not a paired serial: %v\n", fixSerial, err)
			os.Exit(1)
		}
		if err := db.SetDevicePINCLI(dbPath, fixSerial, fixPIN); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PIN for %s updated (was %s)\n", fixSerial, oldPIN)
		return
	}

	dbConn, err := db.Open(dbPath)
	if err != nil {
		fmt.Printf("Error: could not open database: %v\n", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Re-pairing keeps the existing device id: the cloud derives the
	// session cipher key from it, and swapping it would orphan the old
	// registration server-side.
	deviceID := ""
	alreadyPaired, _ := db.IsPaired(dbConn)
	if alreadyPaired {
		ident, err := db.GetIdentity(dbConn)
		if err != nil {
			fmt.Printf("Error: could not read existing pairing: %v\n", err)
			os.Exit(1)
		}
		deviceID = ident.DeviceID
		fmt.Printf("Reusing existing device id %s\n", deviceID)
	} else {
		deviceID = newDeviceID()
		fmt.Printf("Generated device id %s\n", deviceID)
	}

	client := proair.NewClient(proair.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
		DeviceID: deviceID,
	}, proair.Config{
		SessionTTL: time.Duration(cfg.SessionTTLMinutes) * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.Login(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Printf("Error: could not reach the cloud service: %v\n", err)
		} else {
			fmt.Printf("Error: login rejected, check username and password: %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Logged in as user %d\n", client.UserID())

	plants, err := client.ListPlants(ctx)
	if err != nil {
		fmt.Printf("Error: could not list plants: %v\n", err)
		os.Exit(1)
	}
	if len(plants) == 0 {
		fmt.Println("Error: account has no plants")
		os.Exit(1)
	}

	devices := make(map[string]struct {
		plant  model.Plant
		device model.Device
	})
	for _, plant := range plants {
		fmt.Printf("Plant %q (%d devices)\n", plant.Name, len(plant.Devices))
		for _, device := range plant.Devices {
			fmt.Printf("  %s  %q  fw %s\n", device.Serial, device.Name, device.FirmwareVersion)
			devices[device.Serial] = struct {
				plant  model.Plant
				device model.Device
			}{plant, device}
		}
	}

	validated := 0
	for serial, pin := range cfg.PINs {
		entry, found := devices[serial]
		if !found {
			fmt.Printf("Skipping %s: not present on this account\n", serial)
			continue
		}
		state, err := client.GetDeviceState(ctx, entry.device, pin)
		if err != nil {
			fmt.Printf("Error: could not validate %s: %v\n", serial, err)
			os.Exit(1)
		}
		if state == nil {
			fmt.Printf("Error: device %s rejected PIN %s\n", serial, pin)
			os.Exit(1)
		}
		if err := db.SetDevicePIN(dbConn, serial, pin, entry.plant.ID, entry.device.Name); err != nil {
			fmt.Printf("Error: could not store PIN for %s: %v\n", serial, err)
			os.Exit(1)
		}
		fmt.Printf("Validated %s (%d zones)\n", serial, len(state.Zones))
		validated++
	}

	if validated == 0 {
		fmt.Println("Error: no configured serial matched a device on the account")
		os.Exit(1)
	}

	// A re-pair on an existing bridge only rotates the credentials; the
	// device id and original pairing timestamp are preserved.
	if alreadyPaired {
		if err := db.UpdateCredentials(dbConn, cfg.Username, cfg.Password); err != nil {
			fmt.Printf("Error: could not update credentials: %v\n", err)
			os.Exit(1)
		}
	} else if err := db.SeedIdentity(dbConn, cfg.Username, cfg.Password, deviceID); err != nil {
		fmt.Printf("Error: could not store pairing: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Pairing complete: %d device(s) ready, database at %s\n", validated, dbPath)
}

func newDeviceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to generate device id: %w", err))
	}
	return hex.EncodeToString(buf)
}
