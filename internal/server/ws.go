package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// inboundMessage is the envelope for every client-to-server websocket
// message. Fields beyond Type are populated depending on the type.
type inboundMessage struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`

	// Data carries base64-encoded little-endian 16-bit PCM for
	// audio_chunk messages.
	Data string `json:"data"`
}

// textHistoryMessage answers a get_history request.
type textHistoryMessage struct {
	Type    string         `json:"type"`
	History []historyEntry `json:"history"`
}

// handleWS serves GET /ws/{room}. Clients stream audio_chunk messages and
// receive new_text broadcasts for the room.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "room", roomID, "error", err)
		return
	}

	cl := &client{conn: conn}
	ctx := r.Context()
	s.hub.join(ctx, roomID, cl)
	log := s.log.With("room", roomID)
	log.Info("websocket client connected")

	// The speaker identity arrives with the first audio_chunk or
	// user_joined message.
	var userID string
	defer func() {
		s.hub.leave(context.Background(), roomID, cl)
		if userID != "" {
			if err := s.manager.Release(context.Background(), roomID, userID); err != nil {
				log.Warn("releasing speaker pipeline failed",
					"speaker", userID, "error", err)
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
		log.Info("websocket client disconnected")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return
			}
			log.Debug("websocket read failed", "error", err)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("discarding malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "audio_chunk":
			if msg.UserID != "" {
				userID = msg.UserID
			}
			if userID == "" {
				log.Debug("audio chunk without user_id")
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				log.Debug("discarding undecodable audio chunk",
					"speaker", userID, "error", err)
				continue
			}
			p, err := s.manager.Pipeline(ctx, roomID, userID)
			if err != nil {
				log.Warn("opening speaker pipeline failed",
					"speaker", userID, "error", err)
				continue
			}
			p.Ingest(pcm)

		case "get_history":
			reply := textHistoryMessage{
				Type:    "text_history",
				History: s.hub.History(roomID, 20),
			}
			if reply.History == nil {
				reply.History = []historyEntry{}
			}
			if err := cl.send(ctx, reply); err != nil {
				log.Debug("sending history failed", "error", err)
			}

		case "user_joined":
			if msg.UserID != "" {
				userID = msg.UserID
			}
			log.Info("user joined", "speaker", msg.UserID)

		case "user_left":
			log.Info("user left", "speaker", msg.UserID)
			if userID != "" {
				if err := s.manager.Release(ctx, roomID, userID); err != nil {
					log.Warn("releasing speaker pipeline failed",
						"speaker", userID, "error", err)
				}
				userID = ""
			}

		default:
			log.Debug("ignoring unknown message type", "type", msg.Type)
		}
	}
}
