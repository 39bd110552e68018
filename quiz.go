package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Question is a single prompt with a fixed option list. The correct option
// index must be a valid index into Options.
type Question struct {
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectOption int      `json:"correct_option"`
}

// Quiz is immutable once a room has been created for it.
type Quiz struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

func (q *Quiz) validate() error {
	if q.Title == "" {
		return errors.New("quiz title is required")
	}
	if len(q.Questions) == 0 {
		return errors.New("quiz must contain at least one question")
	}
	for i, question := range q.Questions {
		if question.Text == "" {
			return fmt.Errorf("question %d: text is required", i)
		}
		if len(question.Options) < 2 {
			return fmt.Errorf("question %d: at least two options are required", i)
		}
		if question.CorrectOption < 0 || question.CorrectOption >= len(question.Options) {
			return fmt.Errorf("question %d: correct_option %d is out of range", i, question.CorrectOption)
		}
	}
	return nil
}

// RoomStore holds every live room, keyed by room code. Rooms are created by
// the quiz-creation endpoint and live until the idle reaper closes them.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*Room

	cfg *Config
	reg *ConnectionRegistry
}

func newRoomStore(cfg *Config, reg *ConnectionRegistry) *RoomStore {
	rs := &RoomStore{
		rooms: make(map[string]*Room),
		cfg:   cfg,
		reg:   reg,
	}
	if cfg.roomTimeout > 0 {
		go rs.reaperLoop()
	}
	return rs
}

// newRoomCodeLocked generates a crypto-random 4-character room code from
// A-Z0-9 and ensures it doesn't collide with an existing room. Callers must
// hold rs.mu.
func (rs *RoomStore) newRoomCodeLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		if _, exists := rs.rooms[code]; !exists {
			return code
		}
	}
}

const roomCodeLength = 4

func (rs *RoomStore) createRoom(quiz *Quiz) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	code := rs.newRoomCodeLocked()
	room := newRoom(code, quiz, rs.reg)
	rs.rooms[code] = room

	return room
}

func (rs *RoomStore) lookup(code string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	room, ok := rs.rooms[code]
	return room, ok
}

// reaperLoop periodically closes rooms that have been idle longer than the
// configured room timeout, disconnecting any remaining clients.
func (rs *RoomStore) reaperLoop() {
	ticker := time.NewTicker(rs.cfg.roomTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rs.cfg.roomTimeout)

		rs.mu.Lock()
		for code, room := range rs.rooms {
			if room.idleSince().Before(cutoff) {
				delete(rs.rooms, code)
				logf(rs.cfg, "ROOMS: Reaped idle room %s", code)
				go rs.reg.closeRoom(code)
			}
		}
		rs.mu.Unlock()
	}
}

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// createQuizHandler accepts a quiz definition and answers with a fresh room
// code for it.
func createQuizHandler(cfg *Config, rs *RoomStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		corsHeaders(w)
		securityHeaders(cfg, w)

		var quiz Quiz
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&quiz); err != nil {
			http.Error(w, "invalid quiz payload", http.StatusBadRequest)
			return
		}
		if err := quiz.validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		room := rs.createRoom(&quiz)

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(map[string]string{"room_code": room.code}); err != nil {
			errs <- err

			return
		}

		logf(cfg, "ROOMS: Created room %s (%q, %d questions) for %s in %s",
			room.code,
			quiz.Title,
			len(quiz.Questions),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func preflightHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		corsHeaders(w)
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)
	}
}
