package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
)

const defaultRoom = "General"

// ControlServer is the TCP control processor (C5) plus nudge voting (C6).
// It accepts connections on a listener, parses the streaming/concatenated
// JSON command objects described in spec §6, and mutates the shared
// registry/watchers/nudge state, broadcasting synchronized room state.
type ControlServer struct {
	registry *Registry
	watchers *Watchers
	udpMap   *UDPMap
	nudge    *NudgeTally
}

// NewControlServer wires a control processor to the shared server state.
func NewControlServer(registry *Registry, watchers *Watchers, udpMap *UDPMap, nudge *NudgeTally) *ControlServer {
	return &ControlServer{registry: registry, watchers: watchers, udpMap: udpMap, nudge: nudge}
}

// Serve accepts connections on ln until it is closed.
func (c *ControlServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go c.handleConn(conn)
	}
}

// handleConn owns one TCP connection from login to disconnect. Spec's
// control plane is a stream of concatenated JSON objects with no
// newline guarantee, so it uses json.Decoder directly over the
// connection (which advances exactly as many bytes as each object
// consumes) rather than a line-oriented scanner.
func (c *ControlServer) handleConn(conn net.Conn) {
	dec := json.NewDecoder(conn)

	var sess *Session
	defer func() {
		conn.Close()
		if sess != nil {
			c.teardown(sess)
		}
	}()

	for {
		var msg ControlMsg
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[control] decode: %v", err)
			}
			return
		}

		if sess == nil {
			if msg.Action != "login" {
				continue // first message must be login
			}
			sess = c.login(conn, msg)
			continue
		}

		c.dispatch(sess, msg)
	}
}

func (c *ControlServer) login(conn net.Conn, msg ControlMsg) *Session {
	uid := c.registry.NewUID()
	sess := &Session{
		UID:    uid,
		Nick:   msg.Nick,
		Avatar: msg.Avatar,
		Room:   defaultRoom,
		conn:   conn,
	}
	c.registry.Add(sess)

	c.send(sess, ControlMsg{Action: "login_success", UID: uid})
	c.broadcastSyncUsers(sess.Room)
	return sess
}

func (c *ControlServer) teardown(sess *Session) {
	c.registry.Remove(sess.UID)
	c.udpMap.Remove(sess.UID)
	c.watchers.RemoveStreamer(sess.UID)
	c.watchers.RemoveWatcherEverywhere(sess.UID)
	c.broadcastSyncUsers(sess.Room)
}

func (c *ControlServer) dispatch(sess *Session, msg ControlMsg) {
	switch msg.Action {
	case "join_room":
		if msg.Room == "" {
			return
		}
		oldRoom := sess.Room
		c.registry.SetRoom(sess.UID, msg.Room)
		sess.mu.Lock()
		sess.Room = msg.Room
		sess.mu.Unlock()
		c.broadcastSyncUsers(oldRoom)
		c.broadcastSyncUsers(msg.Room)

	case "update_user":
		sess.mu.Lock()
		if msg.Muted != nil {
			sess.Muted = *msg.Muted
		}
		if msg.Deafened != nil {
			sess.Deafened = *msg.Deafened
		}
		room := sess.Room
		sess.mu.Unlock()
		c.broadcastSyncUsers(room)

	case "update_status", "update_presence":
		sess.mu.Lock()
		if msg.PresenceIcon != "" || msg.PresenceText != "" {
			sess.Presence = Presence{Icon: msg.PresenceIcon, Text: msg.PresenceText}
		}
		room := sess.Room
		sess.mu.Unlock()
		c.broadcastSyncUsers(room)

	case "stream_start":
		sess.mu.Lock()
		sess.Streaming = true
		room := sess.Room
		sess.mu.Unlock()
		c.broadcastSyncUsers(room)

	case "stream_stop":
		sess.mu.Lock()
		sess.Streaming = false
		room := sess.Room
		sess.mu.Unlock()
		c.watchers.RemoveStreamer(sess.UID)
		c.broadcastSyncUsers(room)

	case "stream_watch_start":
		c.watchers.Add(msg.StreamerUID, sess.UID)
		// Request an IDR from the streamer so the new viewer gets a keyframe
		// promptly. Sent outside all core locks, per §4.9.
		if streamer, ok := c.registry.Get(msg.StreamerUID); ok {
			c.send(streamer, ControlMsg{Action: "request_keyframe"})
		}

	case "stream_watch_stop":
		c.watchers.Remove(msg.StreamerUID, sess.UID)

	case "play_soundboard":
		sess.mu.Lock()
		nick := sess.Nick
		room := sess.Room
		sess.mu.Unlock()
		c.broadcastToRoom(room, ControlMsg{Action: "play_soundboard", Nick: nick, SoundID: msg.SoundID})

	case "nudge_vote":
		sess.mu.Lock()
		room := sess.Room
		voterNick := sess.Nick
		sess.mu.Unlock()
		if c.registry.RoomOf(msg.TargetUID) != room {
			return
		}
		roomSize := c.registry.RoomSize(room)
		triggered, accepted := c.nudge.Vote(room, msg.TargetUID, sess.UID, roomSize)
		if !accepted || !triggered {
			return
		}
		target, ok := c.registry.Get(msg.TargetUID)
		if !ok {
			return
		}
		c.send(target, ControlMsg{Action: "play_nudge"})
		target.mu.Lock()
		targetNick := target.Nick
		target.mu.Unlock()
		c.broadcastToRoom(room, ControlMsg{
			Action:     "nudge_triggered",
			TargetNick: targetNick,
			VoterNick:  voterNick,
		})
	}
}

// broadcastSyncUsers snapshots room membership under the registry lock,
// releases it, then sends outside any lock — matching the same
// snapshot-then-send discipline as the UDP router (§4.2).
func (c *ControlServer) broadcastSyncUsers(room string) {
	members := c.registry.RoomMembers(room, 0)
	users := make([]UserInfo, 0, len(members))
	var targets []*Session
	for _, uid := range members {
		sess, ok := c.registry.Get(uid)
		if !ok {
			continue
		}
		sess.mu.Lock()
		users = append(users, UserInfo{
			UID: sess.UID, Nick: sess.Nick, Room: sess.Room,
			Muted: sess.Muted, Deafened: sess.Deafened, Streaming: sess.Streaming,
		})
		sess.mu.Unlock()
		targets = append(targets, sess)
	}

	msg := ControlMsg{Action: "sync_users", Users: users}
	for _, sess := range targets {
		c.send(sess, msg)
	}
}

func (c *ControlServer) broadcastToRoom(room string, msg ControlMsg) {
	for _, uid := range c.registry.RoomMembers(room, 0) {
		if sess, ok := c.registry.Get(uid); ok {
			c.send(sess, msg)
		}
	}
}

func (c *ControlServer) send(sess *Session, msg ControlMsg) {
	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn == nil {
		return
	}
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		log.Printf("[control] send to uid=%d: %v", sess.UID, err)
	}
}
