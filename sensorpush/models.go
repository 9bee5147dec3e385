// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensorpush

import (
	"time"

	"github.com/soothill/sensorpush-logger/sensor"
)

// timeFormat is the timestamp layout the samples endpoint expects.
const timeFormat = "2006-01-02T15:04:05.000Z"

type authorizeRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authorizeResponse struct {
	Authorization string `json:"authorization"`
}

type accessTokenRequest struct {
	Authorization string `json:"authorization"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accesstoken"`
}

type sensorResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DeviceID       string  `json:"deviceId"`
	Type           string  `json:"type"`
	Address        string  `json:"address"`
	Active         bool    `json:"active"`
	RSSI           int     `json:"rssi"`
	BatteryVoltage float64 `json:"battery_voltage"`
}

func (s sensorResponse) toMetadata(id sensor.ID) sensor.Metadata {
	return sensor.Metadata{
		SensorID:       id,
		Name:           s.Name,
		DeviceID:       s.DeviceID,
		Type:           s.Type,
		Active:         s.Active,
		SignalStrength: s.RSSI,
		BatteryVoltage: s.BatteryVoltage,
	}
}

type samplesRequest struct {
	StartTime string   `json:"startTime,omitempty"`
	StopTime  string   `json:"stopTime,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Sensors   []string `json:"sensors,omitempty"`
	Measures  []string `json:"measures,omitempty"`
}

type samplesResponse struct {
	LastTime     time.Time                 `json:"last_time"`
	Sensors      map[string][]sampleRecord `json:"sensors"`
	Truncated    bool                      `json:"truncated"`
	Status       string                    `json:"status"`
	TotalSamples int                       `json:"total_samples"`
	TotalSensors int                       `json:"total_sensors"`
}

// sampleRecord carries only the measures that were requested; absent ones stay nil.
type sampleRecord struct {
	Observed           time.Time `json:"observed"`
	Gateways           string    `json:"gateways"`
	Temperature        *float64  `json:"temperature"`
	Humidity           *float64  `json:"humidity"`
	Dewpoint           *float64  `json:"dewpoint"`
	AbsHumidity        *float64  `json:"abs_humidity"`
	BarometricPressure *float64  `json:"barometric_pressure"`
	VPD                *float64  `json:"vpd"`
}

func (r sampleRecord) values() map[string]float64 {
	values := make(map[string]float64, 6)
	set := func(name string, v *float64) {
		if v != nil {
			values[name] = *v
		}
	}
	set("temperature", r.Temperature)
	set("humidity", r.Humidity)
	set("dewpoint", r.Dewpoint)
	set("abs_humidity", r.AbsHumidity)
	set("barometric_pressure", r.BarometricPressure)
	set("vpd", r.VPD)
	return values
}
