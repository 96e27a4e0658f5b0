package protocol

// Header carries the discriminant every frame has. Op mirrors Type and is
// only written by the binary encoding.
type Header struct {
	Type string `json:"type" msgpack:"type"`
	Op   uint8  `json:"-" msgpack:"op,omitempty"`
}

func (h *Header) stamp(typ string, op uint8) {
	h.Type = typ
	h.Op = op
}

// Message is implemented by both message families
type Message interface {
	MessageType() string
	Opcode() uint8
	stamp()
}

// ClientMessage is a message sent from the client to a device.
// The set is closed: only types in this package implement it.
type ClientMessage interface {
	Message
	clientMessage()
}

// DeviceMessage is a message sent from a device to the client.
// The set is closed: only types in this package implement it.
type DeviceMessage interface {
	Message
	deviceMessage()
}

// Client -> device message types
const (
	TypeGetStatus     = "get_status"
	TypeHeartbeat     = "heartbeat"
	TypeConfigUpdate  = "config_update"
	TypeGameCommand   = "game_command"
	TypeHitForward    = "hit_forward"
	TypeKillConfirmed = "kill_confirmed"
	TypeRemoteSound   = "remote_sound"
)

// Device -> client message types
const (
	TypeStatus       = "status"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeShotFired    = "shot_fired"
	TypeHitReport    = "hit_report"
	TypeRespawn      = "respawn"
	TypeReloadEvent  = "reload_event"
	TypeGameOver     = "game_over"
	TypeAck          = "ack"
)

// Binary op codes. Client ops are 1-9, device ops start at 10.
const (
	OpGetStatus     uint8 = 1
	OpHeartbeat     uint8 = 2
	OpConfigUpdate  uint8 = 3
	OpGameCommand   uint8 = 4
	OpHitForward    uint8 = 5
	OpKillConfirmed uint8 = 6
	OpRemoteSound   uint8 = 7

	OpStatus       uint8 = 10
	OpHeartbeatAck uint8 = 11
	OpShotFired    uint8 = 12
	OpHitReport    uint8 = 13
	OpRespawn      uint8 = 14
	OpReloadEvent  uint8 = 15
	OpGameOver     uint8 = 16
	OpAck          uint8 = 17
)

// GetStatus asks the device for a full status snapshot
type GetStatus struct {
	Header
}

func (*GetStatus) MessageType() string { return TypeGetStatus }
func (*GetStatus) Opcode() uint8       { return OpGetStatus }
func (m *GetStatus) stamp()            { m.Header.stamp(TypeGetStatus, OpGetStatus) }
func (*GetStatus) clientMessage()      {}

// Heartbeat is the periodic keepalive
type Heartbeat struct {
	Header
}

func (*Heartbeat) MessageType() string { return TypeHeartbeat }
func (*Heartbeat) Opcode() uint8       { return OpHeartbeat }
func (m *Heartbeat) stamp()            { m.Header.stamp(TypeHeartbeat, OpHeartbeat) }
func (*Heartbeat) clientMessage()      {}

// ConfigUpdate is a partial device, game and hardware configuration.
// Nil fields are not sent and the device keeps its current value.
type ConfigUpdate struct {
	Header

	DeviceID *int    `json:"device_id,omitempty" msgpack:"device_id,omitempty"`
	PlayerID *int    `json:"player_id,omitempty" msgpack:"player_id,omitempty"`
	TeamID   *int    `json:"team_id,omitempty" msgpack:"team_id,omitempty"`
	ColorRGB *uint32 `json:"color_rgb,omitempty" msgpack:"color_rgb,omitempty"`

	MaxHearts     *int  `json:"max_hearts,omitempty" msgpack:"max_hearts,omitempty"`
	SpawnHearts   *int  `json:"spawn_hearts,omitempty" msgpack:"spawn_hearts,omitempty"`
	RespawnTimeS  *int  `json:"respawn_time_s,omitempty" msgpack:"respawn_time_s,omitempty"`
	DamageIn      *int  `json:"damage_in,omitempty" msgpack:"damage_in,omitempty"`
	DamageOut     *int  `json:"damage_out,omitempty" msgpack:"damage_out,omitempty"`
	FriendlyFire  *bool `json:"friendly_fire,omitempty" msgpack:"friendly_fire,omitempty"`
	GameDurationS *int  `json:"game_duration_s,omitempty" msgpack:"game_duration_s,omitempty"`
	MaxAmmo       *int  `json:"max_ammo,omitempty" msgpack:"max_ammo,omitempty"`
	ReloadTimeMs  *int  `json:"reload_time_ms,omitempty" msgpack:"reload_time_ms,omitempty"`
	EnableHearts  *bool `json:"enable_hearts,omitempty" msgpack:"enable_hearts,omitempty"`
	EnableAmmo    *bool `json:"enable_ammo,omitempty" msgpack:"enable_ammo,omitempty"`

	IRPower       *int  `json:"ir_power,omitempty" msgpack:"ir_power,omitempty"`
	Volume        *int  `json:"volume,omitempty" msgpack:"volume,omitempty"`
	SoundProfile  *int  `json:"sound_profile,omitempty" msgpack:"sound_profile,omitempty"`
	HapticEnabled *bool `json:"haptic_enabled,omitempty" msgpack:"haptic_enabled,omitempty"`

	// ESP-NOW peer MAC addresses, "aa:bb:cc:dd:ee:ff". An empty list clears
	// the device's peers; nil leaves them alone.
	EspnowPeers *[]string `json:"espnow_peers,omitempty" msgpack:"espnow_peers,omitempty"`
}

func (*ConfigUpdate) MessageType() string { return TypeConfigUpdate }
func (*ConfigUpdate) Opcode() uint8       { return OpConfigUpdate }
func (m *ConfigUpdate) stamp()            { m.Header.stamp(TypeConfigUpdate, OpConfigUpdate) }
func (*ConfigUpdate) clientMessage()      {}

// Empty reports whether no field is set
func (m *ConfigUpdate) Empty() bool {
	return m.DeviceID == nil && m.PlayerID == nil && m.TeamID == nil && m.ColorRGB == nil &&
		m.MaxHearts == nil && m.SpawnHearts == nil && m.RespawnTimeS == nil &&
		m.DamageIn == nil && m.DamageOut == nil && m.FriendlyFire == nil &&
		m.GameDurationS == nil && m.MaxAmmo == nil && m.ReloadTimeMs == nil &&
		m.EnableHearts == nil && m.EnableAmmo == nil && m.IRPower == nil &&
		m.Volume == nil && m.SoundProfile == nil && m.HapticEnabled == nil &&
		m.EspnowPeers == nil
}

// PeerList wraps MAC addresses for ConfigUpdate.EspnowPeers. No arguments
// gives the empty list that clears every peer.
func PeerList(macs ...string) *[]string {
	if macs == nil {
		macs = []string{}
	}
	return &macs
}

// Command is a game lifecycle command
type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	CommandReset Command = "reset"
)

// Valid reports whether c is one of the known commands
func (c Command) Valid() bool {
	switch c {
	case CommandStart, CommandStop, CommandReset:
		return true
	}
	return false
}

// GameCommand starts, stops or resets the game on a device
type GameCommand struct {
	Header
	Command Command `json:"command" msgpack:"command"`
}

func (*GameCommand) MessageType() string { return TypeGameCommand }
func (*GameCommand) Opcode() uint8       { return OpGameCommand }
func (m *GameCommand) stamp()            { m.Header.stamp(TypeGameCommand, OpGameCommand) }
func (*GameCommand) clientMessage()      {}

// HitForward tells a shooter's device that its shot landed
type HitForward struct {
	Header
	ShooterID int `json:"shooter_id" msgpack:"shooter_id"`
}

func (*HitForward) MessageType() string { return TypeHitForward }
func (*HitForward) Opcode() uint8       { return OpHitForward }
func (m *HitForward) stamp()            { m.Header.stamp(TypeHitForward, OpHitForward) }
func (*HitForward) clientMessage()      {}

// KillConfirmed credits a kill to the receiving device
type KillConfirmed struct {
	Header
}

func (*KillConfirmed) MessageType() string { return TypeKillConfirmed }
func (*KillConfirmed) Opcode() uint8       { return OpKillConfirmed }
func (m *KillConfirmed) stamp()            { m.Header.stamp(TypeKillConfirmed, OpKillConfirmed) }
func (*KillConfirmed) clientMessage()      {}

// RemoteSound plays a stored sound on the device
type RemoteSound struct {
	Header
	SoundID int `json:"sound_id" msgpack:"sound_id"`
}

func (*RemoteSound) MessageType() string { return TypeRemoteSound }
func (*RemoteSound) Opcode() uint8       { return OpRemoteSound }
func (m *RemoteSound) stamp()            { m.Header.stamp(TypeRemoteSound, OpRemoteSound) }
func (*RemoteSound) clientMessage()      {}

// Stats are the device's cumulative game counters
type Stats struct {
	EnemyKills    int `json:"enemy_kills" msgpack:"enemy_kills"`
	FriendlyKills int `json:"friendly_kills" msgpack:"friendly_kills"`
	Deaths        int `json:"deaths" msgpack:"deaths"`
	Shots         int `json:"shots" msgpack:"shots"`
	HitsReceived  int `json:"hits_received" msgpack:"hits_received"`
}

// LiveState is the device's in-game state
type LiveState struct {
	CurrentHearts   int  `json:"current_hearts" msgpack:"current_hearts"`
	CurrentAmmo     int  `json:"current_ammo" msgpack:"current_ammo"`
	IsReloading     bool `json:"is_reloading" msgpack:"is_reloading"`
	IsRespawning    bool `json:"is_respawning" msgpack:"is_respawning"`
	RespawnTimeLeft int  `json:"respawn_time_left" msgpack:"respawn_time_left"`
}

// Status is the full device and game snapshot
type Status struct {
	Header

	DeviceID int    `json:"device_id" msgpack:"device_id"`
	PlayerID int    `json:"player_id" msgpack:"player_id"`
	TeamID   int    `json:"team_id" msgpack:"team_id"`
	ColorRGB uint32 `json:"color_rgb" msgpack:"color_rgb"`

	Stats *Stats     `json:"stats,omitempty" msgpack:"stats,omitempty"`
	State *LiveState `json:"state,omitempty" msgpack:"state,omitempty"`

	BatteryVoltage float64 `json:"battery_voltage,omitempty" msgpack:"battery_voltage,omitempty"`
	RSSI           int     `json:"rssi,omitempty" msgpack:"rssi,omitempty"`
	Firmware       string  `json:"firmware,omitempty" msgpack:"firmware,omitempty"`
}

func (*Status) MessageType() string { return TypeStatus }
func (*Status) Opcode() uint8       { return OpStatus }
func (m *Status) stamp()            { m.Header.stamp(TypeStatus, OpStatus) }
func (*Status) deviceMessage()      {}

// HeartbeatAck answers a heartbeat with telemetry
type HeartbeatAck struct {
	Header
	BatteryVoltage float64 `json:"battery_voltage" msgpack:"battery_voltage"`
	RSSI           int     `json:"rssi" msgpack:"rssi"`
	UptimeMs       int64   `json:"uptime_ms,omitempty" msgpack:"uptime_ms,omitempty"`
}

func (*HeartbeatAck) MessageType() string { return TypeHeartbeatAck }
func (*HeartbeatAck) Opcode() uint8       { return OpHeartbeatAck }
func (m *HeartbeatAck) stamp()            { m.Header.stamp(TypeHeartbeatAck, OpHeartbeatAck) }
func (*HeartbeatAck) deviceMessage()      {}

// ShotFired reports a trigger pull
type ShotFired struct {
	Header
	AmmoRemaining int   `json:"ammo_remaining" msgpack:"ammo_remaining"`
	TimestampMs   int64 `json:"timestamp_ms,omitempty" msgpack:"timestamp_ms,omitempty"`
}

func (*ShotFired) MessageType() string { return TypeShotFired }
func (*ShotFired) Opcode() uint8       { return OpShotFired }
func (m *ShotFired) stamp()            { m.Header.stamp(TypeShotFired, OpShotFired) }
func (*ShotFired) deviceMessage()      {}

// HitReport reports that the device was hit
type HitReport struct {
	Header
	ShooterID       int `json:"shooter_id" msgpack:"shooter_id"`
	Damage          int `json:"damage" msgpack:"damage"`
	HeartsRemaining int `json:"hearts_remaining" msgpack:"hearts_remaining"`
}

func (*HitReport) MessageType() string { return TypeHitReport }
func (*HitReport) Opcode() uint8       { return OpHitReport }
func (m *HitReport) stamp()            { m.Header.stamp(TypeHitReport, OpHitReport) }
func (*HitReport) deviceMessage()      {}

// Respawn reports that the player is back in the game
type Respawn struct {
	Header
	CurrentHearts int `json:"current_hearts" msgpack:"current_hearts"`
}

func (*Respawn) MessageType() string { return TypeRespawn }
func (*Respawn) Opcode() uint8       { return OpRespawn }
func (m *Respawn) stamp()            { m.Header.stamp(TypeRespawn, OpRespawn) }
func (*Respawn) deviceMessage()      {}

// ReloadEvent reports the start or end of a reload
type ReloadEvent struct {
	Header
	Reloading   bool `json:"reloading" msgpack:"reloading"`
	CurrentAmmo int  `json:"current_ammo" msgpack:"current_ammo"`
}

func (*ReloadEvent) MessageType() string { return TypeReloadEvent }
func (*ReloadEvent) Opcode() uint8       { return OpReloadEvent }
func (m *ReloadEvent) stamp()            { m.Header.stamp(TypeReloadEvent, OpReloadEvent) }
func (*ReloadEvent) deviceMessage()      {}

// GameOver reports the end of the game as seen by the device
type GameOver struct {
	Header
	WinnerTeam int    `json:"winner_team" msgpack:"winner_team"`
	Reason     string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

func (*GameOver) MessageType() string { return TypeGameOver }
func (*GameOver) Opcode() uint8       { return OpGameOver }
func (m *GameOver) stamp()            { m.Header.stamp(TypeGameOver, OpGameOver) }
func (*GameOver) deviceMessage()      {}

// Ack is the device's generic reply to a client message
type Ack struct {
	Header
	AckType string `json:"ack_type" msgpack:"ack_type"`
	Success bool   `json:"success" msgpack:"success"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

func (*Ack) MessageType() string { return TypeAck }
func (*Ack) Opcode() uint8       { return OpAck }
func (m *Ack) stamp()            { m.Header.stamp(TypeAck, OpAck) }
func (*Ack) deviceMessage()      {}

var clientKinds = map[string]func() ClientMessage{
	TypeGetStatus:     func() ClientMessage { return &GetStatus{} },
	TypeHeartbeat:     func() ClientMessage { return &Heartbeat{} },
	TypeConfigUpdate:  func() ClientMessage { return &ConfigUpdate{} },
	TypeGameCommand:   func() ClientMessage { return &GameCommand{} },
	TypeHitForward:    func() ClientMessage { return &HitForward{} },
	TypeKillConfirmed: func() ClientMessage { return &KillConfirmed{} },
	TypeRemoteSound:   func() ClientMessage { return &RemoteSound{} },
}

var deviceKinds = map[string]func() DeviceMessage{
	TypeStatus:       func() DeviceMessage { return &Status{} },
	TypeHeartbeatAck: func() DeviceMessage { return &HeartbeatAck{} },
	TypeShotFired:    func() DeviceMessage { return &ShotFired{} },
	TypeHitReport:    func() DeviceMessage { return &HitReport{} },
	TypeRespawn:      func() DeviceMessage { return &Respawn{} },
	TypeReloadEvent:  func() DeviceMessage { return &ReloadEvent{} },
	TypeGameOver:     func() DeviceMessage { return &GameOver{} },
	TypeAck:          func() DeviceMessage { return &Ack{} },
}

var opTypes = map[uint8]string{
	OpGetStatus:     TypeGetStatus,
	OpHeartbeat:     TypeHeartbeat,
	OpConfigUpdate:  TypeConfigUpdate,
	OpGameCommand:   TypeGameCommand,
	OpHitForward:    TypeHitForward,
	OpKillConfirmed: TypeKillConfirmed,
	OpRemoteSound:   TypeRemoteSound,
	OpStatus:        TypeStatus,
	OpHeartbeatAck:  TypeHeartbeatAck,
	OpShotFired:     TypeShotFired,
	OpHitReport:     TypeHitReport,
	OpRespawn:       TypeRespawn,
	OpReloadEvent:   TypeReloadEvent,
	OpGameOver:      TypeGameOver,
	OpAck:           TypeAck,
}
