package models

type Room struct {
	RoomID string `json:"room_id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Active bool   `json:"active"`
}

type Counter struct {
	CounterID string `json:"counter_id"`
	RoomID    string `json:"room_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Active    bool   `json:"active"`
}
