package sock

import (
	"strconv"
	"strings"
)

// kind is the target type a raw value is coerced to.
type kind int

const (
	kindBool kind = iota
	kindFloat
	kindInt
	kindString
)

// field maps one stable domain key to the vendor key carrying it. The
// tables are iterated in order and each field is extracted independently;
// a missing vendor key just skips that field, so partial vendor payloads
// degrade gracefully.
type field struct {
	key    string
	vendor string
	kind   kind
}

// Boolean flags reported as top-level properties on both sock generations.
var alertFields = []field{
	{"app_active", "APP_ACTIVE", kindBool},
	{"high_heart_rate_alert", "HIGH_HR_ALRT", kindBool},
	{"high_oxygen_alert", "HIGH_OX_ALRT", kindBool},
	{"low_battery_alert", "LOW_BATT_ALRT", kindBool},
	{"low_heart_rate_alert", "LOW_HR_ALRT", kindBool},
	{"low_oxygen_alert", "LOW_OX_ALRT", kindBool},
	{"ppg_log_file", "PPG_LOG_FILE", kindBool},
	{"firmware_update_available", "FW_UPDATE_STATUS", kindBool},
	{"lost_power_alert", "LOST_POWER_ALRT", kindBool},
	{"sock_disconnected", "SOCK_DISCON_ALRT", kindBool},
	{"sock_off", "SOCK_OFF", kindBool},
}

// Fields decoded from the JSON-encoded REAL_TIME_VITALS value on v3 socks.
// base_station_on, charging and last_updated have bespoke handling in
// normalise.
var vitalsFields = []field{
	{"oxygen_saturation", "ox", kindFloat},
	{"heart_rate", "hr", kindFloat},
	{"battery_percentage", "bat", kindFloat},
	{"battery_minutes", "btt", kindFloat},
	{"signal_strength", "rsi", kindFloat},
	{"oxygen_10_av", "oxta", kindFloat},
	{"moving", "mv", kindBool},
	{"alert_paused_status", "aps", kindBool},
	{"sock_connection", "sc", kindInt},
	{"skin_temperature", "st", kindInt},
	{"sleep_state", "ss", kindInt},
}

// Flat properties reported by v2 socks.
var v2Fields = []field{
	{"oxygen_saturation", "OXYGEN_LEVEL", kindFloat},
	{"heart_rate", "HEART_RATE", kindFloat},
	{"battery_percentage", "BATT_LEVEL", kindFloat},
	{"signal_strength", "BLE_RSSI", kindFloat},
	{"moving", "MOVEMENT", kindBool},
	{"base_station_on", "BASE_STAT_ON", kindBool},
	{"charging", "CHARGE_STATUS", kindBool},
}

// coerce converts a loosely-typed vendor value to the target kind. The
// vendor mixes JSON numbers, booleans, and numeric strings for the same
// logical fields across firmware versions.
func coerce(v any, k kind) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch k {
	case kindBool:
		return asBool(v)
	case kindFloat:
		return asFloat(v)
	case kindInt:
		f, ok := asFloat(v)
		if !ok {
			return nil, false
		}
		return int(f), true
	case kindString:
		s, ok := v.(string)
		return s, ok
	}
	return nil, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true, true
		case "false", "0", "":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
