// Room lifecycle:
//
//	lobby -> question -> results -> question -> ... -> finished
//
// StartQuiz moves lobby to question, SubmitAnswer moves question to results
// once every non-host participant has answered, and NextQuestion either
// re-enters question or ends the quiz. finished is terminal.
//
// Every operation on a room is serialized by the room's own mutex, held from
// the start of the transition through the broadcast it triggers, so clients
// always observe fully-applied states in order.

package main

import (
	"errors"
	"sync"
	"time"
)

const (
	phaseLobby    = "lobby"
	phaseQuestion = "question"
	phaseResults  = "results"
	phaseFinished = "finished"
)

const defaultAvatar = "👤"

var (
	errRoomNotFound        = errors.New("room not found")
	errDuplicateNickname   = errors.New("nickname already taken")
	errForbidden           = errors.New("participant may not perform this action")
	errInvalidTransition   = errors.New("action not valid in the current phase")
	errDuplicateSubmission = errors.New("answer already submitted for this question")
)

// Player is a roster entry. Nicknames are unique within a room.
type Player struct {
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// Answer records one player's submission for the current question. Answer is
// nil when the player explicitly submitted no choice.
type Answer struct {
	Answer    *int    `json:"answer"`
	IsCorrect bool    `json:"is_correct"`
	TimeTaken float64 `json:"time_taken"`
}

// Room is the authoritative state for one quiz session.
type Room struct {
	mu sync.Mutex

	code          string
	quiz          *Quiz
	phase         string
	questionIndex int
	players       []Player
	host          string
	answers       map[string]Answer
	scores        map[string]int
	questionStart time.Time
	lastActive    time.Time

	reg *ConnectionRegistry
}

func newRoom(code string, quiz *Quiz, reg *ConnectionRegistry) *Room {
	now := time.Now()
	return &Room{
		code:          code,
		quiz:          quiz,
		phase:         phaseLobby,
		questionIndex: -1,
		answers:       make(map[string]Answer),
		scores:        make(map[string]int),
		lastActive:    now,
		reg:           reg,
	}
}

// roomSnapshot is the full room state broadcast to every connection after
// each mutation. The quiz data intentionally includes correct options, shown
// to players in the results view.
type roomSnapshot struct {
	RoomCode             string            `json:"room_code"`
	State                string            `json:"state"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	QuizData             *Quiz             `json:"quiz_data"`
	Players              []Player          `json:"players"`
	Host                 string            `json:"host"`
	Answers              map[string]Answer `json:"answers"`
	Scores               map[string]int    `json:"scores"`
	QuestionStartTime    float64           `json:"question_start_time"`
}

func (r *Room) snapshotLocked() roomSnapshot {
	players := make([]Player, len(r.players))
	copy(players, r.players)

	answers := make(map[string]Answer, len(r.answers))
	for nickname, answer := range r.answers {
		answers[nickname] = answer
	}

	scores := make(map[string]int, len(r.scores))
	for nickname, score := range r.scores {
		scores[nickname] = score
	}

	var startedAt float64
	if !r.questionStart.IsZero() {
		startedAt = float64(r.questionStart.UnixMilli()) / 1000
	}

	return roomSnapshot{
		RoomCode:             r.code,
		State:                r.phase,
		CurrentQuestionIndex: r.questionIndex,
		QuizData:             r.quiz,
		Players:              players,
		Host:                 r.host,
		Answers:              answers,
		Scores:               scores,
		QuestionStartTime:    startedAt,
	}
}

func (r *Room) broadcastLocked() {
	r.reg.broadcast(r.code, r.snapshotLocked())
}

func (r *Room) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}

// join appends a player to the roster. The first participant of an empty room
// becomes the host and receives no score entry; everyone else starts at zero.
func (r *Room) join(nickname, avatar string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	for _, p := range r.players {
		if p.Nickname == nickname {
			return false, errDuplicateNickname
		}
	}

	if avatar == "" {
		avatar = defaultAvatar
	}

	isHost := r.host == ""
	r.players = append(r.players, Player{Nickname: nickname, Avatar: avatar})
	if isHost {
		r.host = nickname
	} else {
		r.scores[nickname] = 0
	}

	r.broadcastLocked()
	return isHost, nil
}

// startQuiz begins the first question. Host-only, lobby-only.
func (r *Room) startQuiz(caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	if caller != r.host {
		return errForbidden
	}
	if r.phase != phaseLobby {
		return errInvalidTransition
	}

	r.questionIndex = 0
	r.phase = phaseQuestion
	r.answers = make(map[string]Answer)
	r.questionStart = time.Now()

	r.broadcastLocked()
	return nil
}

// nextQuestion advances past the current question, ending the quiz when none
// remain. Host-only, and only from question or results.
func (r *Room) nextQuestion(caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	if caller != r.host {
		return errForbidden
	}
	if r.phase != phaseQuestion && r.phase != phaseResults {
		return errInvalidTransition
	}

	next := r.questionIndex + 1
	if next < len(r.quiz.Questions) {
		r.questionIndex = next
		r.phase = phaseQuestion
		r.answers = make(map[string]Answer)
		r.questionStart = time.Now()
	} else {
		r.phase = phaseFinished
	}

	r.broadcastLocked()
	return nil
}

// submitAnswer records a non-host participant's answer for the current
// question, at most once per question. A correct answer scores one point.
// Once every non-host participant has answered, the room moves to results.
func (r *Room) submitAnswer(nickname string, answerIndex *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	if nickname == r.host || !r.hasPlayerLocked(nickname) {
		return errForbidden
	}
	if r.phase != phaseQuestion {
		return errInvalidTransition
	}
	if _, answered := r.answers[nickname]; answered {
		return errDuplicateSubmission
	}

	elapsed := time.Since(r.questionStart).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	question := r.quiz.Questions[r.questionIndex]
	correct := answerIndex != nil && *answerIndex == question.CorrectOption

	r.answers[nickname] = Answer{
		Answer:    answerIndex,
		IsCorrect: correct,
		TimeTaken: elapsed,
	}
	if correct {
		r.scores[nickname]++
	}

	if len(r.answers) == len(r.players)-1 {
		r.phase = phaseResults
	}

	r.broadcastLocked()
	return nil
}

// leave removes a player and any state keyed by their nickname. A departing
// host hands the role to the first remaining player in join order. The room
// itself stays in the store; only the idle reaper removes rooms.
func (r *Room) leave(nickname string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	dst := r.players[:0]
	changed := false
	for _, p := range r.players {
		if p.Nickname == nickname {
			changed = true
			continue
		}
		dst = append(dst, p)
	}
	r.players = dst

	if !changed {
		return r.host
	}

	delete(r.answers, nickname)
	delete(r.scores, nickname)

	if nickname == r.host {
		if len(r.players) > 0 {
			r.host = r.players[0].Nickname
		} else {
			r.host = ""
		}
	}

	if len(r.players) > 0 {
		r.broadcastLocked()
	}

	return r.host
}

func (r *Room) hasPlayerLocked(nickname string) bool {
	for _, p := range r.players {
		if p.Nickname == nickname {
			return true
		}
	}
	return false
}
