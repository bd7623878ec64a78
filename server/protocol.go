package main

// ControlMsg is the TCP control-plane message envelope. Every object has an
// Action field; the remaining fields are populated according to which
// action is in play. Mirrors the teacher's ControlMsg (server/protocol.go)
// field-per-action-with-omitempty convention, pruned to spec's command set.
type ControlMsg struct {
	Action string `json:"action"`

	// login / login_success
	UID    uint32 `json:"uid,omitempty"`
	Nick   string `json:"nick,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	// join_room
	Room string `json:"room,omitempty"`

	// update_user
	Muted    *bool `json:"muted,omitempty"`
	Deafened *bool `json:"deafened,omitempty"`

	// update_status (streaming on/off is stream_start/stream_stop instead;
	// update_status carries free-form status text distinct from presence)
	Status string `json:"status,omitempty"`

	// update_presence
	PresenceIcon string `json:"presence_icon,omitempty"`
	PresenceText string `json:"presence_text,omitempty"`

	// stream_watch_start / stream_watch_stop
	StreamerUID uint32 `json:"streamer_uid,omitempty"`

	// play_soundboard
	SoundID string `json:"sound_id,omitempty"`

	// nudge_vote / play_nudge / nudge_triggered
	TargetUID   uint32 `json:"target_uid,omitempty"`
	TargetNick  string `json:"target_nick,omitempty"`
	VoterNick   string `json:"voter_nick,omitempty"`

	// sync_users
	Users []UserInfo `json:"users,omitempty"`
}

// UserInfo is one entry of a sync_users broadcast.
type UserInfo struct {
	UID       uint32 `json:"uid"`
	Nick      string `json:"nick"`
	Room      string `json:"room"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
	Streaming bool   `json:"streaming"`
}
