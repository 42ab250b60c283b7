package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homefleet/proair-bridge/internal/datadog"
	"github.com/homefleet/proair-bridge/internal/model"
	"github.com/homefleet/proair-bridge/internal/proair"
)

// SnapshotSource is the read side: the coordinator's published state.
type SnapshotSource interface {
	Snapshot() *model.Snapshot
	LastError() error
	RequestRefresh()
}

// Commander is the write side: the cloud client's command calls.
type Commander interface {
	UpdateZoneState(ctx context.Context, device model.Device, pin string, zoneID int, cmd proair.ZoneCommand) error
	UpdateControllerState(ctx context.Context, device model.Device, pin string, cmd proair.ControllerCommand) error
}

type Server struct {
	source    SnapshotSource
	commander Commander
	pins      map[string]string
}

type DeviceResponse struct {
	Key       string  `json:"key"`
	PlantID   int     `json:"plant_id"`
	PlantName string  `json:"plant_name"`
	Serial    string  `json:"serial"`
	Name      string  `json:"name"`
	Firmware  string  `json:"firmware"`
	Power     string  `json:"power"`
	Mode      string  `json:"mode"`
	CanTemp   float64 `json:"duct_temp"`
	Errors    int     `json:"errors"`
}

type ZoneResponse struct {
	Key             string  `json:"key"`
	ZoneID          int     `json:"zone_id"`
	Name            string  `json:"name"`
	Power           string  `json:"power"`
	CurrentTemp     float64 `json:"current_temp"`
	Setpoint        float64 `json:"setpoint"`
	Humidity        float64 `json:"humidity"`
	ShutterPosition float64 `json:"shutter_position"`
	IsMaster        bool    `json:"is_master"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	LastRefresh time.Time `json:"last_refresh"`
	Devices     int       `json:"devices"`
}

type DeviceModeRequest struct {
	Mode string `json:"mode"`
}

type DevicePowerRequest struct {
	On bool `json:"on"`
}

type ZoneSetpointRequest struct {
	Setpoint float64 `json:"setpoint"`
}

type ZonePowerRequest struct {
	On bool `json:"on"`
}

type ZoneFanRequest struct {
	Fan string `json:"fan"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

var fanSpeeds = map[string]int{
	"auto":   16,
	"low":    1,
	"medium": 2,
	"high":   3,
}

func NewServer(source SnapshotSource, commander Commander, pins map[string]string) *Server {
	return &Server{
		source:    source,
		commander: commander,
		pins:      pins,
	}
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")

	return http.ListenAndServe(addr, s.Handler())
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceOperations)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/zones/", s.handleZoneOperations)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		datadog.Count("api.requests", 1, "method:"+r.Method)
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.source.Snapshot()
	resp := HealthResponse{Status: "ok"}
	if snap != nil {
		resp.LastRefresh = snap.TakenAt
		resp.Devices = len(snap.Devices)
	}
	if snap == nil {
		resp.Status = "starting"
	} else if s.source.LastError() != nil {
		resp.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != "/api/devices" {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}

	response := []DeviceResponse{}
	for _, key := range snap.Keys() {
		response = append(response, deviceResponse(key, snap.Devices[key]))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeviceOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(path, "/")

	if len(parts) < 1 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Device key required")
		return
	}

	key := model.DeviceKey(parts[0])

	if len(parts) == 1 {
		if r.Method == http.MethodGet {
			s.getDevice(w, r, key)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPut {
		switch parts[1] {
		case "mode":
			s.setDeviceMode(w, r, key)
		case "power":
			s.setDevicePower(w, r, key)
		default:
			s.writeError(w, http.StatusNotFound, "Unknown operation")
		}
		return
	}

	s.writeError(w, http.StatusNotFound, "Invalid path")
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != "/api/zones" {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}

	response := []ZoneResponse{}
	for _, key := range snap.Keys() {
		rec := snap.Devices[key]
		for _, zone := range rec.State.Zones {
			response = append(response, zoneResponse(key, zone))
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleZoneOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/zones/")
	parts := strings.Split(path, "/")

	if len(parts) < 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Zone path must be {device}/{zone}")
		return
	}

	key := model.DeviceKey(parts[0])
	zoneID, err := strconv.Atoi(parts[1])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Zone ID must be numeric")
		return
	}

	if len(parts) == 2 {
		if r.Method == http.MethodGet {
			s.getZone(w, r, key, zoneID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPut {
		switch parts[2] {
		case "setpoint":
			s.setZoneSetpoint(w, r, key, zoneID)
		case "power":
			s.setZonePower(w, r, key, zoneID)
		case "fan":
			s.setZoneFan(w, r, key, zoneID)
		default:
			s.writeError(w, http.StatusNotFound, "Unknown operation")
		}
		return
	}

	s.writeError(w, http.StatusNotFound, "Invalid path")
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request, key model.DeviceKey) {
	_, rec, ok := s.lookupDevice(w, key)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, deviceResponse(key, *rec))
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request, key model.DeviceKey, zoneID int) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}
	zone, found := snap.Zone(key, zoneID)
	if !found {
		s.writeError(w, http.StatusNotFound, "Zone not found")
		return
	}
	s.writeJSON(w, http.StatusOK, zoneResponse(key, zone))
}

func (s *Server) setDeviceMode(w http.ResponseWriter, r *http.Request, key model.DeviceKey) {
	var req DeviceModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	cmd, valid := modeCommand(req.Mode)
	if !valid {
		s.writeError(w, http.StatusBadRequest, "Invalid mode. Valid modes: heat, cool, dry, fan_only")
		return
	}

	_, rec, ok := s.lookupDevice(w, key)
	if !ok {
		return
	}

	pin, ok := s.requirePIN(w, rec.Device.Serial)
	if !ok {
		return
	}

	if err := s.commander.UpdateControllerState(r.Context(), rec.Device, pin, cmd); err != nil {
		s.writeCommandError(w, err, "Failed to set device mode")
		return
	}

	log.Info().Str("serial", rec.Device.Serial).Str("mode", req.Mode).Msg("Device mode updated via API")
	s.source.RequestRefresh()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setDevicePower(w http.ResponseWriter, r *http.Request, key model.DeviceKey) {
	var req DevicePowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	_, rec, ok := s.lookupDevice(w, key)
	if !ok {
		return
	}

	pin, ok := s.requirePIN(w, rec.Device.Serial)
	if !ok {
		return
	}

	off := 0
	if !req.On {
		off = 1
	}
	cool := 0
	if rec.State.IsCooling {
		cool = 1
	}
	cmd := proair.ControllerCommand{
		IsOff:    proair.Int(off),
		IsCool:   proair.Int(cool),
		CoolMode: proair.Int(rec.State.CoolingMode),
	}

	if err := s.commander.UpdateControllerState(r.Context(), rec.Device, pin, cmd); err != nil {
		s.writeCommandError(w, err, "Failed to set device power")
		return
	}

	log.Info().Str("serial", rec.Device.Serial).Bool("on", req.On).Msg("Device power updated via API")
	s.source.RequestRefresh()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setZoneSetpoint(w http.ResponseWriter, r *http.Request, key model.DeviceKey, zoneID int) {
	var req ZoneSetpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if req.Setpoint < 10.0 || req.Setpoint > 35.0 {
		s.writeError(w, http.StatusBadRequest, "Invalid setpoint. Must be between 10.0 and 35.0 degrees C")
		return
	}

	rec, zone, ok := s.lookupZone(w, key, zoneID)
	if !ok {
		return
	}

	pin, found := s.requirePIN(w, rec.Device.Serial)
	if !found {
		return
	}

	tenths := int(math.Round(req.Setpoint * 10))
	cmd := proair.ZoneCommand{
		Name:    zone.Name,
		SetTemp: proair.String(strconv.Itoa(tenths)),
	}

	if err := s.commander.UpdateZoneState(r.Context(), rec.Device, pin, zoneID, cmd); err != nil {
		s.writeCommandError(w, err, "Failed to set zone setpoint")
		return
	}

	log.Info().
		Str("serial", rec.Device.Serial).
		Int("zone_id", zoneID).
		Float64("setpoint", req.Setpoint).
		Msg("Zone setpoint updated via API")
	s.source.RequestRefresh()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setZonePower(w http.ResponseWriter, r *http.Request, key model.DeviceKey, zoneID int) {
	var req ZonePowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	rec, zone, ok := s.lookupZone(w, key, zoneID)
	if !ok {
		return
	}

	pin, found := s.requirePIN(w, rec.Device.Serial)
	if !found {
		return
	}

	off := 0
	if !req.On {
		off = 1
	}
	cmd := proair.ZoneCommand{
		Name:  zone.Name,
		IsOff: proair.Int(off),
	}

	if err := s.commander.UpdateZoneState(r.Context(), rec.Device, pin, zoneID, cmd); err != nil {
		s.writeCommandError(w, err, "Failed to set zone power")
		return
	}

	log.Info().
		Str("serial", rec.Device.Serial).
		Int("zone_id", zoneID).
		Bool("on", req.On).
		Msg("Zone power updated via API")
	s.source.RequestRefresh()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setZoneFan(w http.ResponseWriter, r *http.Request, key model.DeviceKey, zoneID int) {
	var req ZoneFanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	speed, valid := fanSpeeds[req.Fan]
	if !valid {
		s.writeError(w, http.StatusBadRequest, "Invalid fan speed. Valid speeds: auto, low, medium, high")
		return
	}

	rec, zone, ok := s.lookupZone(w, key, zoneID)
	if !ok {
		return
	}

	pin, found := s.requirePIN(w, rec.Device.Serial)
	if !found {
		return
	}

	cmd := proair.ZoneCommand{
		Name:   zone.Name,
		FanSet: proair.Int(speed),
	}

	if err := s.commander.UpdateZoneState(r.Context(), rec.Device, pin, zoneID, cmd); err != nil {
		s.writeCommandError(w, err, "Failed to set zone fan speed")
		return
	}

	log.Info().
		Str("serial", rec.Device.Serial).
		Int("zone_id", zoneID).
		Str("fan", req.Fan).
		Msg("Zone fan speed updated via API")
	s.source.RequestRefresh()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) requireSnapshot(w http.ResponseWriter) (*model.Snapshot, bool) {
	snap := s.source.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No device state available yet")
		return nil, false
	}
	return snap, true
}

func (s *Server) lookupDevice(w http.ResponseWriter, key model.DeviceKey) (*model.Snapshot, *model.DeviceRecord, bool) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return nil, nil, false
	}
	rec, found := snap.Devices[key]
	if !found {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return nil, nil, false
	}
	return snap, &rec, true
}

func (s *Server) lookupZone(w http.ResponseWriter, key model.DeviceKey, zoneID int) (*model.DeviceRecord, *model.ZoneState, bool) {
	_, rec, ok := s.lookupDevice(w, key)
	if !ok {
		return nil, nil, false
	}
	zone, found := rec.State.Zone(zoneID)
	if !found {
		s.writeError(w, http.StatusNotFound, "Zone not found")
		return nil, nil, false
	}
	return rec, &zone, true
}

func (s *Server) requirePIN(w http.ResponseWriter, serial string) (string, bool) {
	pin, ok := s.pins[serial]
	if !ok {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("No PIN paired for device %s", serial))
		return "", false
	}
	return pin, true
}

// writeCommandError maps a rejected or failed cloud command to 502 so
// callers can tell upstream trouble apart from their own bad requests.
func (s *Server) writeCommandError(w http.ResponseWriter, err error, msg string) {
	log.Error().Err(err).Msg(msg)

	var cmdErr *proair.CommandError
	if errors.As(err, &cmdErr) {
		s.writeError(w, http.StatusBadGateway, cmdErr.Error())
		return
	}
	s.writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

func modeCommand(mode string) (proair.ControllerCommand, bool) {
	switch mode {
	case "heat":
		return proair.ControllerCommand{IsCool: proair.Int(0)}, true
	case "cool":
		return proair.ControllerCommand{IsCool: proair.Int(1), CoolMode: proair.Int(1)}, true
	case "dry":
		return proair.ControllerCommand{IsCool: proair.Int(1), CoolMode: proair.Int(2)}, true
	case "fan_only":
		return proair.ControllerCommand{IsCool: proair.Int(1), CoolMode: proair.Int(3)}, true
	default:
		return proair.ControllerCommand{}, false
	}
}

func deviceResponse(key model.DeviceKey, rec model.DeviceRecord) DeviceResponse {
	power := "on"
	if rec.State.IsOff {
		power = "off"
	}
	return DeviceResponse{
		Key:       string(key),
		PlantID:   rec.PlantID,
		PlantName: rec.PlantName,
		Serial:    rec.Device.Serial,
		Name:      rec.State.Name,
		Firmware:  rec.State.FirmwareVersion,
		Power:     power,
		Mode:      deviceMode(rec.State),
		CanTemp:   rec.State.CanTemperature(),
		Errors:    rec.State.NumErrors,
	}
}

func deviceMode(state model.DeviceState) string {
	if !state.IsCooling {
		return "heat"
	}
	switch state.CoolingMode {
	case 2:
		return "dry"
	case 3:
		return "fan_only"
	default:
		return "cool"
	}
}

func zoneResponse(key model.DeviceKey, zone model.ZoneState) ZoneResponse {
	power := "on"
	if zone.IsOff {
		power = "off"
	}
	return ZoneResponse{
		Key:             string(key),
		ZoneID:          zone.ZoneID,
		Name:            zone.Name,
		Power:           power,
		CurrentTemp:     zone.Temperature(),
		Setpoint:        zone.Setpoint(),
		Humidity:        zone.RelativeHumidity(),
		ShutterPosition: zone.ShutterPosition(),
		IsMaster:        zone.IsMaster,
	}
}
