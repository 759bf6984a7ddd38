// Package category maps platform access-technology ids to generation buckets
package category

import "strings"

// Category is an access-technology generation bucket
type Category string

const (
	Unknown Category = "unknown"
	Gen2G   Category = "2G"
	Gen3G   Category = "3G"
	Gen4G   Category = "4G"
	Gen5G   Category = "5G"

	// All is the counter key incremented for every admitted sample
	All Category = "all"
)

// Fixed returns the category keys that are always present in counters
func Fixed() []Category {
	return []Category{All, Unknown, Gen2G, Gen3G, Gen4G, Gen5G}
}

type netType struct {
	name     string
	category Category
}

// Platform network type ids (TelephonyManager.NETWORK_TYPE_*)
var netTypes = map[int]netType{
	0:  {"unknown", Unknown},
	1:  {"GPRS", Gen2G},
	2:  {"EDGE", Gen2G},
	3:  {"UMTS", Gen3G},
	4:  {"CDMA", Gen2G},
	5:  {"EVDO_0", Gen3G},
	6:  {"EVDO_A", Gen3G},
	7:  {"1xRTT", Gen2G},
	8:  {"HSDPA", Gen3G},
	9:  {"HSUPA", Gen3G},
	10: {"HSPA", Gen3G},
	11: {"IDEN", Gen2G},
	12: {"EVDO_B", Gen3G},
	13: {"LTE", Gen4G},
	14: {"EHRPD", Gen3G},
	15: {"HSPA+", Gen3G},
	16: {"GSM", Gen2G},
	17: {"TD_SCDMA", Gen3G},
	18: {"IWLAN", Unknown},
	19: {"LTE_CA", Gen4G},
	20: {"NR", Gen5G},
}

// Classify returns the generation bucket for an access id. Unmapped ids are Unknown.
func Classify(accessID int) Category {
	if t, ok := netTypes[accessID]; ok {
		return t.category
	}
	return Unknown
}

// NetTypeName returns the technology label stored as app_access
func NetTypeName(accessID int) string {
	if t, ok := netTypes[accessID]; ok {
		return t.name
	}
	return "unknown"
}

// FromTechnology maps a modem technology string (as reported by ubus/gsmctl)
// to the closest platform access id. Returns 0 when unrecognised.
func FromTechnology(tech string) int {
	switch normalize(tech) {
	case "GPRS":
		return 1
	case "EDGE":
		return 2
	case "UMTS", "WCDMA", "3G":
		return 3
	case "CDMA":
		return 4
	case "HSDPA":
		return 8
	case "HSUPA":
		return 9
	case "HSPA":
		return 10
	case "HSPA+", "HSPAP", "DC-HSPA+":
		return 15
	case "GSM", "2G":
		return 16
	case "TD-SCDMA", "TD_SCDMA":
		return 17
	case "LTE", "4G", "FDD LTE", "TDD LTE", "CAT-M1", "NB-IOT":
		return 13
	case "LTE-A", "LTE_CA", "LTE CA":
		return 19
	case "NR", "5G", "5G-NSA", "5G-SA", "NR5G", "NR5G-NSA", "NR5G-SA":
		return 20
	default:
		return 0
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
