package proair

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/homefleet/proair-bridge/internal/model"
)

// Int returns a pointer to v, for optional command fields.
func Int(v int) *int { return &v }

// String returns a pointer to v, for optional command fields.
func String(v string) *string { return &v }

// ZoneCommand carries the caller-controlled fields of a single-zone update.
// Nil fields fall back to the vendor defaults. Temperatures travel as strings
// in tenths of a degree, matching the vendor app.
type ZoneCommand struct {
	IsOff      *int
	SetTemp    *string
	Name       string
	ShutterSet *int
	FanSet     *int
	Crono      *int
}

// payload merges the command with the documented defaults. The default
// shutter and fan values are the strings "0" while explicit values are
// numeric; the server accepts both, and the vendor app does exactly this.
func (zc ZoneCommand) payload(zoneID int, pin string) map[string]any {
	cmd := map[string]any{
		"c":       "upd_zona",
		"id_zona": zoneID,
		"pin":     pin,
	}
	if zc.IsOff != nil {
		cmd["is_off"] = *zc.IsOff
	}
	if zc.SetTemp != nil {
		cmd["t_set"] = *zc.SetTemp
	}
	if zc.Name != "" {
		cmd["name"] = zc.Name
	}
	if zc.ShutterSet != nil {
		cmd["shu_set"] = *zc.ShutterSet
	} else {
		cmd["shu_set"] = "0"
	}
	if zc.FanSet != nil {
		cmd["fan_set"] = *zc.FanSet
	} else {
		cmd["fan_set"] = "0"
	}
	if zc.Crono != nil {
		cmd["is_crono"] = *zc.Crono
	} else {
		cmd["is_crono"] = 0
	}
	return cmd
}

// ControllerCommand targets the whole controller instead of a single zone.
type ControllerCommand struct {
	IsOff    *int
	IsCool   *int
	CoolMode *int
	CanTemp  *int
}

func (cc ControllerCommand) payload(pin string) map[string]any {
	cmd := map[string]any{
		"c":   "upd_cu",
		"pin": pin,
	}
	if cc.IsOff != nil {
		cmd["is_off"] = *cc.IsOff
	} else {
		cmd["is_off"] = 0
	}
	if cc.IsCool != nil {
		cmd["is_cool"] = *cc.IsCool
	} else {
		cmd["is_cool"] = 1
	}
	if cc.CoolMode != nil {
		cmd["cool_mod"] = *cc.CoolMode
	} else {
		cmd["cool_mod"] = 1
	}
	if cc.CanTemp != nil {
		cmd["t_can"] = *cc.CanTemp
	} else {
		cmd["t_can"] = 230
	}

	// Always forced on by the vendor app; presumed winter/summer season
	// flags. Opaque protocol constants, do not infer meaning.
	cmd["f_inv"] = 1
	cmd["f_est"] = 1
	return cmd
}

type zoneUpdateRequest struct {
	Serial string `json:"Serial"`
	Pin    string `json:"Pin"`
	ZoneID int    `json:"ZoneId"`
	Name   string `json:"Name"`
	Cmd    string `json:"Cmd"`
}

type controllerUpdateRequest struct {
	Serial string `json:"Serial"`
	Name   string `json:"Name"`
	Pin    string `json:"Pin"`
	Cmd    string `json:"Cmd"`
}

// UpdateZoneState submits an upd_zona command for one zone. The effect shows
// up in the next refresh cycle; the snapshot is never written directly.
func (c *Client) UpdateZoneState(ctx context.Context, device model.Device, pin string, zoneID int, cmd ZoneCommand) error {
	inner, err := json.Marshal(cmd.payload(zoneID, pin))
	if err != nil {
		return fmt.Errorf("marshal zone command: %w", err)
	}
	body, err := json.Marshal(zoneUpdateRequest{
		Serial: device.Serial,
		Pin:    pin,
		ZoneID: zoneID,
		Name:   device.Name,
		Cmd:    string(inner),
	})
	if err != nil {
		return fmt.Errorf("marshal zone update request: %w", err)
	}

	if err := c.submit(ctx, "/api/v1/UpdateZonaData", body); err != nil {
		return err
	}
	log.Info().Str("serial", device.Serial).Int("zone", zoneID).Msg("Zone command accepted")
	return nil
}

// UpdateControllerState submits an upd_cu command for the whole controller.
func (c *Client) UpdateControllerState(ctx context.Context, device model.Device, pin string, cmd ControllerCommand) error {
	inner, err := json.Marshal(cmd.payload(pin))
	if err != nil {
		return fmt.Errorf("marshal controller command: %w", err)
	}
	body, err := json.Marshal(controllerUpdateRequest{
		Serial: device.Serial,
		Name:   device.Name,
		Pin:    pin,
		Cmd:    string(inner),
	})
	if err != nil {
		return fmt.Errorf("marshal controller update request: %w", err)
	}

	if err := c.submit(ctx, "/api/v1/UpdateCUData", body); err != nil {
		return err
	}
	log.Info().Str("serial", device.Serial).Msg("Controller command accepted")
	return nil
}

// submit posts a command envelope and maps anything short of 200/ResCode-0
// to a CommandError carrying the code for diagnostics.
func (c *Client) submit(ctx context.Context, path string, body []byte) error {
	status, respBody, err := c.doAuthenticated(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &CommandError{StatusCode: status}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode command response: %w", err)
	}
	if env.ResCode != 0 {
		return &CommandError{ResCode: env.ResCode, StatusCode: status}
	}
	return nil
}
