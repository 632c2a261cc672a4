package model

import "time"

// Reading is one observed endpoint state, as stored by the history recorder.
type Reading struct {
	ID                 int64     `json:"id"`
	Endpoint           string    `json:"endpoint"`
	Module             uint8     `json:"module"`
	Relay              uint8     `json:"relay"`
	On                 bool      `json:"on"`
	OutsideTemperature *float64  `json:"outside_temperature,omitempty"`
	Source             string    `json:"source"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// EndpointStatus is the host-facing view of one endpoint.
type EndpointStatus struct {
	Name               string     `json:"name"`
	Module             uint8      `json:"module"`
	Relay              uint8      `json:"relay"`
	On                 bool       `json:"on"`
	OutsideTemperature *float64   `json:"outside_temperature"`
	FilterAlarm        *bool      `json:"filter_alarm"`
	UpdatedAt          *time.Time `json:"updated_at"`
	Awaiting           bool       `json:"awaiting"`
	Online             bool       `json:"online"`
}
