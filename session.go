// Session handling for quiz rooms.
//
// Each websocket connection is owned by one goroutine pair: the handler
// goroutine reads and dispatches action messages, and writePump drains the
// client's send channel. Joining a room registers the connection before the
// join broadcast, so the joining client receives its own post-join snapshot.

package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Close codes surfaced to clients whose join is refused.
const (
	closeRoomNotFound   = 4000
	closeNicknameTaken  = 4001
	closeWriteGracetime = time.Second
)

// actionMessage is the inbound wire format. AnswerIndex remains nil both for
// actions that don't carry one and for an explicit "no answer" submission.
type actionMessage struct {
	Action      string `json:"action"`
	AnswerIndex *int   `json:"answer_index"`
}

// Client is one live websocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	nickname string
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// refuse sends a close frame with the given code and tears the connection
// down without touching any room state.
func (c *Client) refuse(code int, reason string) {
	deadline := time.Now().Add(closeWriteGracetime)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveRoomSocket attaches a connection to a room as host or player and runs
// its action loop until the connection drops.
func serveRoomSocket(cfg *Config, rs *RoomStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("room")
		nickname := ps.ByName("nickname")
		avatar := r.URL.Query().Get("avatar")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			id:       uuid.NewString(),
			conn:     conn,
			send:     make(chan []byte, 8),
			nickname: nickname,
		}

		room, ok := rs.lookup(code)
		if !ok {
			logf(cfg, "ROOMS: Refused %s (%s): %v", realIP(r), client.id, errRoomNotFound)
			client.refuse(closeRoomNotFound, "room not found")
			return
		}

		go client.writePump()

		// Register before joining so the post-join broadcast reaches this
		// connection too.
		rs.reg.add(code, client)

		isHost, err := room.join(nickname, avatar)
		if err != nil {
			logf(cfg, "ROOMS: Refused %q in room %s (%s): %v", nickname, code, client.id, err)
			client.refuse(closeNicknameTaken, "nickname already taken")
			if rs.reg.remove(code, client) {
				close(client.send)
			}
			return
		}

		role := "player"
		if isHost {
			role = "host"
		}
		logf(cfg, "ROOMS: %q joined room %s as %s (%s)", nickname, code, role, client.id)

		client.readLoop(cfg, room)

		if rs.reg.remove(code, client) {
			close(client.send)
		}
		newHost := room.leave(nickname)
		logf(cfg, "ROOMS: %q left room %s (%s), host is now %q", nickname, code, client.id, newHost)
	}
}

// readLoop decodes inbound action messages and applies them to the room.
// Malformed messages, unknown actions, and rejected transitions are ignored
// without a response; the room broadcasts only on successful mutations.
func (c *Client) readLoop(cfg *Config, room *Room) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg actionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "start_quiz":
			err = room.startQuiz(c.nickname)
		case "next_question":
			err = room.nextQuestion(c.nickname)
		case "submit_answer":
			err = room.submitAnswer(c.nickname, msg.AnswerIndex)
		default:
			continue
		}

		if err != nil {
			logf(cfg, "ROOMS: Ignored %q from %q in room %s: %v", msg.Action, c.nickname, room.code, err)
		}
	}
}

func roomPageHandler(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		data, err := assets.ReadFile("assets/quizroom/index.html")
		if err != nil {
			errs <- err

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, err = w.Write(data)
		if err != nil {
			errs <- err

			return
		}
	}
}

// qrHandler generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("room")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:room/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerQuizRooms sets up routes so that:
//   - POST $prefix/api/create_quiz       → validate a quiz, answer with a room code
//   - $prefix/play/:room                 → HTML client
//   - $prefix/play/:room/qr              → PNG QR code for that room URL
//   - $prefix/ws/:room/:nickname         → websocket for that room
func registerQuizRooms(cfg *Config, mux *httprouter.Router, errs chan<- error) {
	reg := newConnectionRegistry(cfg)
	rs := newRoomStore(cfg, reg)

	mux.POST(cfg.prefix+"/api/create_quiz", createQuizHandler(cfg, rs, errs))
	mux.OPTIONS(cfg.prefix+"/api/create_quiz", preflightHandler(cfg))

	mux.GET(cfg.prefix+"/play/:room", roomPageHandler(cfg, errs))
	mux.GET(cfg.prefix+"/play/:room/qr", qrHandler)

	mux.GET(cfg.prefix+"/ws/:room/:nickname", serveRoomSocket(cfg, rs))
}
