package monitor

import (
	"github.com/scimbridge/adsync/internal/adtypes"
)

// Config is the sync engine configuration as the control surface delivers
// it. The map shape mirrors the wire payload of the configuration RPC.
type Config struct {
	IsEnabled        bool
	SyncIntervalMins int

	WebServerAddress string
	APIKey           string

	EnableAvatars                   bool
	EnableSubgroups                 bool
	EnableDistinguishedNameBaseAuth bool

	EnableAnomalyDetection    bool
	AnomalyUserCountThreshold int
	AnomalyPercentThreshold   int

	// UserSearchFilter is ANDed into every user enumeration. It must pass
	// directory.ValidateExtraFilter.
	UserSearchFilter string

	Forests []adtypes.Forest
}

func (c *Config) ToMap() map[string]interface{} {
	forests := make([]interface{}, 0, len(c.Forests))
	for i := range c.Forests {
		forests = append(forests, c.Forests[i].ToMap())
	}
	return map[string]interface{}{
		"isEnabled":                          c.IsEnabled,
		"syncIntervalMins":                   float64(c.SyncIntervalMins),
		"webServerAddress":                   c.WebServerAddress,
		"apiKey":                             c.APIKey,
		"enableAvatars":                      c.EnableAvatars,
		"enableSubgroups":                    c.EnableSubgroups,
		"enableDistinguishedNameBaseAuth":    c.EnableDistinguishedNameBaseAuth,
		"enableAnomalyDetection":             c.EnableAnomalyDetection,
		"anomalyDetectionUserCountThreshold": float64(c.AnomalyUserCountThreshold),
		"anomalyDetectionPercentThreshold":   float64(c.AnomalyPercentThreshold),
		"userSearchFilter":                   c.UserSearchFilter,
		"forests":                            forests,
	}
}

func ConfigFromMap(m map[string]interface{}) Config {
	c := Config{
		IsEnabled:                       mapBool(m, "isEnabled"),
		SyncIntervalMins:                mapInt(m, "syncIntervalMins"),
		WebServerAddress:                mapString(m, "webServerAddress"),
		APIKey:                          mapString(m, "apiKey"),
		EnableAvatars:                   mapBool(m, "enableAvatars"),
		EnableSubgroups:                 mapBool(m, "enableSubgroups"),
		EnableDistinguishedNameBaseAuth: mapBool(m, "enableDistinguishedNameBaseAuth"),
		EnableAnomalyDetection:          mapBool(m, "enableAnomalyDetection"),
		AnomalyUserCountThreshold:       mapInt(m, "anomalyDetectionUserCountThreshold"),
		AnomalyPercentThreshold:         mapInt(m, "anomalyDetectionPercentThreshold"),
		UserSearchFilter:                mapString(m, "userSearchFilter"),
	}
	if list, ok := m["forests"].([]interface{}); ok {
		for _, item := range list {
			if fm, ok := item.(map[string]interface{}); ok {
				c.Forests = append(c.Forests, adtypes.ForestFromMap(fm))
			}
		}
	}
	return c
}

func mapString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func mapInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
