package model

import "encoding/json"

// JSON tags mirror the vendor wire format verbatim. The field names and codes
// are an opaque external contract and must not be renamed on the wire.

// Plant is an account-level grouping of controllers.
type Plant struct {
	ID      int      `json:"LVPL_Id"`
	Name    string   `json:"LVPL_Name"`
	UserID  int      `json:"LVPL_USAN_Id"`
	Icon    int      `json:"LVPL_Icon"`
	Devices []Device `json:"ListDevices"`
}

// Device is a physical controller as returned by the plant listing. Serial is
// the stable key used to correlate state across refresh cycles.
type Device struct {
	Type            int    `json:"LVDV_Type"`
	ListID          int    `json:"LVDV_Id"`
	DevID           int    `json:"DevId"`
	Serial          string `json:"Serial"`
	Name            string `json:"Name"`
	FirmwareVersion string `json:"FWVer"`
	OperatingMode   int    `json:"OperatingMode"`
	IsOff           bool   `json:"IsOff"`
	LastConfigUpd   string `json:"LastConfigUpd"`
	LastSyncUpd     string `json:"LastSyncUpd"`
	LastAddTimezone string `json:"LastAddTimezone"`
	ErrorCount      int    `json:"NUM_ERROR"`
}

// DeviceState is the full per-controller snapshot returned by GetCUState.
type DeviceState struct {
	Serial          string          `json:"Serial"`
	Name            string          `json:"Name"`
	FirmwareVersion string          `json:"FWVer"`
	IsOff           bool            `json:"IsOFF"`
	IsCooling       bool            `json:"IsCooling"`
	CoolingMode     int             `json:"OperatingModeCooling"`
	CanTemp         int             `json:"TempCan"`
	Errors          json.RawMessage `json:"Errors"`
	NumErrors       int             `json:"NumErrors"`
	Icon            int             `json:"Icon"`
	IP              string          `json:"IP"`
	FInv            int             `json:"FInv"`
	FEst            int             `json:"FEst"`
	LastConfigUpd   string          `json:"LastConfigUpdate"`
	LastSyncUpd     string          `json:"LastSyncUpdate"`
	Zones           []ZoneState     `json:"Zones"`
}

// CanTemperature returns the controller target temperature in degrees Celsius.
func (s DeviceState) CanTemperature() float64 {
	return float64(s.CanTemp) / 10.0
}

// Zone returns the zone with the given id, if present.
func (s DeviceState) Zone(zoneID int) (ZoneState, bool) {
	for _, z := range s.Zones {
		if z.ZoneID == zoneID {
			return z, true
		}
	}
	return ZoneState{}, false
}

// ZoneState is one thermostat zone inside a controller. Raw temperatures and
// humidity are in tenths of a unit, shutter fields carry a bitmask.
type ZoneState struct {
	ZoneID     int    `json:"ZoneId"`
	Name       string `json:"Name"`
	Temp       int    `json:"Temp"`
	SetTemp    int    `json:"SetTemp"`
	Humidity   int    `json:"Umd"`
	Shutter    int    `json:"Serranda"`
	ShutterSet int    `json:"SerrandaSet"`
	IsOff      bool   `json:"IsOFF"`
	IsMaster   bool   `json:"IsMaster"`
}

// Temperature returns the measured zone temperature in degrees Celsius.
func (z ZoneState) Temperature() float64 {
	return float64(z.Temp) / 10.0
}

// Setpoint returns the zone target temperature in degrees Celsius.
func (z ZoneState) Setpoint() float64 {
	return float64(z.SetTemp) / 10.0
}

// RelativeHumidity returns the zone humidity as a percentage.
func (z ZoneState) RelativeHumidity() float64 {
	return float64(z.Humidity) / 10.0
}

// ShutterPosition returns the shutter opening rescaled to 0-100. Bit 5 of the
// raw value only flags auto mode and is masked off.
func (z ZoneState) ShutterPosition() float64 {
	return float64(z.Shutter&0x0F) * 100.0 / 3.0
}
