package domain

import "time"

// Death classifications
const (
	DeathKill          = "kill"
	DeathSuicide       = "suicide"
	DeathEnvironmental = "environmental"
)

// Notification event types
const (
	EventKill          = "kill"
	EventSuicide       = "suicide"
	EventEnvironmental = "environmental"
	EventRotation      = "rotation"
	EventGame          = "game_event"
)

// Game event kinds recognized in the server event log
const (
	GameEventPlayerQueue = "player_queue"
	GameEventPlayerJoin  = "player_join"
	GameEventPlayerLeave = "player_leave"
	GameEventAirdrop     = "airdrop"
	GameEventMission     = "mission"
	GameEventHelicrash   = "helicrash"
	GameEventTrader      = "trader"
	GameEventVehicle     = "vehicle_spawn"
)

// DeathEvent is one parsed death-log row.
type DeathEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	KillerName     string    `json:"killer_name"`
	KillerID       string    `json:"killer_id"`
	VictimName     string    `json:"victim_name"`
	VictimID       string    `json:"victim_id"`
	Weapon         string    `json:"weapon"`
	Distance       float64   `json:"distance"`
	KillerPlatform string    `json:"killer_platform,omitempty"`
	VictimPlatform string    `json:"victim_platform,omitempty"`
	Classification string    `json:"classification"`
	Longshot       bool      `json:"longshot,omitempty"`
	Line           int64     `json:"-"`
}

// GameEvent is one recognized line from the server event log.
type GameEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// PlayerPresenceData is the payload of queue, join and leave events.
type PlayerPresenceData struct {
	PlayerName string `json:"player_name,omitempty"`
	PlayerID   string `json:"player_id,omitempty"`
}

// MissionData is the payload of a mission state change.
type MissionData struct {
	Mission string `json:"mission"`
	State   string `json:"state"`
	Level   int    `json:"level,omitempty"`
}

// WorldEventData is the payload of airdrop, helicrash, trader and vehicle events.
type WorldEventData struct {
	Name  string `json:"name,omitempty"`
	State string `json:"state,omitempty"`
}

// RotationData is the payload of a rotation notification.
type RotationData struct {
	Marker    string `json:"marker,omitempty"`
	Rotations int64  `json:"rotations"`
}

// Event is a notification published to downstream consumers.
type Event struct {
	Type string `json:"event"`
	Scope
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}
