package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/homefleet/proair-bridge/internal/env"
)

// InstallBridgeService writes a systemd unit for the bridge daemon.
// Enabling and starting the unit is left to the operator.
func InstallBridgeService() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	unit := bridgeUnit(exe, filepath.Dir(exe), env.Cfg.ConfigFile)
	if err := os.WriteFile(env.Cfg.OSServicePath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write service unit: %w", err)
	}
	return nil
}

// bridgeUnit renders the unit contents. The ExecStart flag name must match
// what config.Load registers; the daemon exits at startup on an unknown flag.
func bridgeUnit(exe, workdir, configFile string) string {
	return fmt.Sprintf(`[Unit]
Description=ProAir cloud bridge
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s -config-file %s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, workdir, exe, configFile)
}

// ReloadSystemd asks systemd to pick up the freshly written unit.
func ReloadSystemd() error {
	cmd := exec.Command("systemctl", "daemon-reload")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
