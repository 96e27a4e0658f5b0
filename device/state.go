package device

import (
	"time"

	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
)

// ConnectionState is the socket lifecycle state of one device
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

func (s ConnectionState) metricValue() int {
	switch s {
	case StateConnecting:
		return metric.StateValueConnecting
	case StateConnected:
		return metric.StateValueConnected
	case StateError:
		return metric.StateValueError
	default:
		return metric.StateValueDisconnected
	}
}

// DeviceState is a point-in-time copy of what is known about a device
type DeviceState struct {
	ID               string          `json:"id"`
	State            ConnectionState `json:"state"`
	LastConnected    time.Time       `json:"last_connected,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ReconnectPending bool            `json:"reconnect_pending"`

	// Identity as reported by the firmware
	DeviceID int    `json:"device_id"`
	PlayerID int    `json:"player_id"`
	TeamID   int    `json:"team_id"`
	ColorRGB uint32 `json:"color_rgb"`
	Firmware string `json:"firmware,omitempty"`

	Kills         int `json:"kills"`
	FriendlyKills int `json:"friendly_kills"`
	Deaths        int `json:"deaths"`
	Shots         int `json:"shots"`
	HitsReceived  int `json:"hits_received"`
	Ammo          int `json:"ammo"`
	Hearts        int `json:"hearts"`

	Reloading       bool `json:"reloading"`
	Respawning      bool `json:"respawning"`
	RespawnTimeLeft int  `json:"respawn_time_left"`

	BatteryVoltage float64   `json:"battery_voltage"`
	RSSI           int       `json:"rssi"`
	UptimeMs       int64     `json:"uptime_ms"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	LastStatus     time.Time `json:"last_status,omitempty"`

	WinnerTeam     int       `json:"winner_team,omitempty"`
	GameOverReason string    `json:"game_over_reason,omitempty"`
	GameOverAt     time.Time `json:"game_over_at,omitempty"`
}

// Apply folds an inbound device message into the snapshot
func (s *DeviceState) Apply(msg protocol.DeviceMessage, now time.Time) {
	switch m := msg.(type) {
	case *protocol.Status:
		s.DeviceID = m.DeviceID
		s.PlayerID = m.PlayerID
		s.TeamID = m.TeamID
		s.ColorRGB = m.ColorRGB
		if m.Firmware != "" {
			s.Firmware = m.Firmware
		}
		if m.Stats != nil {
			s.Kills = m.Stats.EnemyKills
			s.FriendlyKills = m.Stats.FriendlyKills
			s.Deaths = m.Stats.Deaths
			s.Shots = m.Stats.Shots
			s.HitsReceived = m.Stats.HitsReceived
		}
		if m.State != nil {
			s.Hearts = m.State.CurrentHearts
			s.Ammo = m.State.CurrentAmmo
			s.Reloading = m.State.IsReloading
			s.Respawning = m.State.IsRespawning
			s.RespawnTimeLeft = m.State.RespawnTimeLeft
		}
		if m.BatteryVoltage != 0 {
			s.BatteryVoltage = m.BatteryVoltage
		}
		if m.RSSI != 0 {
			s.RSSI = m.RSSI
		}
		s.LastStatus = now
	case *protocol.HeartbeatAck:
		s.BatteryVoltage = m.BatteryVoltage
		s.RSSI = m.RSSI
		s.UptimeMs = m.UptimeMs
		s.LastHeartbeat = now
	case *protocol.ShotFired:
		s.Ammo = m.AmmoRemaining
		s.Shots++
	case *protocol.HitReport:
		s.Hearts = m.HeartsRemaining
		s.HitsReceived++
		if m.HeartsRemaining <= 0 {
			s.Deaths++
			s.Respawning = true
		}
	case *protocol.Respawn:
		s.Hearts = m.CurrentHearts
		s.Respawning = false
		s.RespawnTimeLeft = 0
	case *protocol.ReloadEvent:
		s.Reloading = m.Reloading
		s.Ammo = m.CurrentAmmo
	case *protocol.GameOver:
		s.WinnerTeam = m.WinnerTeam
		s.GameOverReason = m.Reason
		s.GameOverAt = now
	case *protocol.Ack:
	}
}
