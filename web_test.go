package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newTestMux(&Config{}))
	t.Cleanup(srv.Close)
	return srv
}

func createTestRoom(t *testing.T, srv *httptest.Server, quiz *Quiz) string {
	t.Helper()

	body, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshaling quiz: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/create_quiz", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("create_quiz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create_quiz status = %d", resp.StatusCode)
	}

	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding create_quiz response: %v", err)
	}
	return decoded["room_code"]
}

func dialRoom(t *testing.T, srv *httptest.Server, code, nickname string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + code + "/" + nickname
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing room %s as %s: %v", code, nickname, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) roomSnapshot {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}

	var snapshot roomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return snapshot
}

func sendAction(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("sending %v: %v", msg, err)
	}
}

func TestSessionQuizFlow(t *testing.T) {
	srv := startTestServer(t)
	code := createTestRoom(t, srv, &Quiz{
		Title: "One question",
		Questions: []Question{
			{Text: "q", Options: []string{"right", "wrong"}, CorrectOption: 0},
		},
	})

	host := dialRoom(t, srv, code, "host")
	snapshot := readSnapshot(t, host)
	if snapshot.State != phaseLobby || snapshot.Host != "host" || len(snapshot.Players) != 1 {
		t.Fatalf("post-join snapshot = %+v", snapshot)
	}
	if snapshot.CurrentQuestionIndex != -1 {
		t.Errorf("question index before start = %d, want -1", snapshot.CurrentQuestionIndex)
	}

	player := dialRoom(t, srv, code, "bob")
	snapshot = readSnapshot(t, player)
	if len(snapshot.Players) != 2 || snapshot.Host != "host" {
		t.Fatalf("player's post-join snapshot = %+v", snapshot)
	}
	readSnapshot(t, host) // host sees bob's join too

	sendAction(t, host, map[string]any{"action": "start_quiz"})
	for _, conn := range []*websocket.Conn{host, player} {
		snapshot = readSnapshot(t, conn)
		if snapshot.State != phaseQuestion || snapshot.CurrentQuestionIndex != 0 {
			t.Fatalf("post-start snapshot = %+v", snapshot)
		}
	}
	if snapshot.QuestionStartTime == 0 {
		t.Error("question start time missing from snapshot")
	}

	sendAction(t, player, map[string]any{"action": "submit_answer", "answer_index": 0})
	snapshot = readSnapshot(t, player)
	if snapshot.State != phaseResults {
		t.Fatalf("post-answer state = %q, want results", snapshot.State)
	}
	if snapshot.Scores["bob"] != 1 {
		t.Errorf("scores = %v, want bob:1", snapshot.Scores)
	}
	answer, ok := snapshot.Answers["bob"]
	if !ok || !answer.IsCorrect {
		t.Errorf("answers = %v, want a correct answer for bob", snapshot.Answers)
	}
	readSnapshot(t, host)

	sendAction(t, host, map[string]any{"action": "next_question"})
	snapshot = readSnapshot(t, player)
	if snapshot.State != phaseFinished {
		t.Fatalf("final state = %q, want finished", snapshot.State)
	}
}

func TestSessionIgnoresUnauthorizedActions(t *testing.T) {
	srv := startTestServer(t)
	code := createTestRoom(t, srv, testQuiz())

	host := dialRoom(t, srv, code, "host")
	readSnapshot(t, host)
	player := dialRoom(t, srv, code, "bob")
	readSnapshot(t, player)
	readSnapshot(t, host)

	// Neither of these may produce a broadcast or a state change.
	sendAction(t, player, map[string]any{"action": "start_quiz"})
	sendAction(t, player, map[string]any{"action": "no_such_action"})

	sendAction(t, host, map[string]any{"action": "start_quiz"})
	snapshot := readSnapshot(t, player)
	if snapshot.State != phaseQuestion || snapshot.CurrentQuestionIndex != 0 {
		t.Fatalf("snapshot after host start = %+v, want first question", snapshot)
	}
}

func TestSessionRejectsUnknownRoom(t *testing.T) {
	srv := startTestServer(t)

	conn := dialRoom(t, srv, "ZZZZ", "bob")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, closeRoomNotFound) {
		t.Fatalf("read err = %v, want close code %d", err, closeRoomNotFound)
	}
}

func TestSessionRejectsDuplicateNickname(t *testing.T) {
	srv := startTestServer(t)
	code := createTestRoom(t, srv, testQuiz())

	first := dialRoom(t, srv, code, "bob")
	readSnapshot(t, first)

	second := dialRoom(t, srv, code, "bob")
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, closeNicknameTaken) {
		t.Fatalf("read err = %v, want close code %d", err, closeNicknameTaken)
	}
}

func TestSessionHostHandoffOnDisconnect(t *testing.T) {
	srv := startTestServer(t)
	code := createTestRoom(t, srv, testQuiz())

	host := dialRoom(t, srv, code, "host")
	readSnapshot(t, host)
	first := dialRoom(t, srv, code, "bob")
	readSnapshot(t, first)
	readSnapshot(t, host)
	second := dialRoom(t, srv, code, "carol")
	readSnapshot(t, second)
	readSnapshot(t, first)
	readSnapshot(t, host)

	host.Close()

	snapshot := readSnapshot(t, first)
	if snapshot.Host != "bob" {
		t.Fatalf("host after disconnect = %q, want bob", snapshot.Host)
	}
	if len(snapshot.Players) != 2 {
		t.Errorf("roster size = %d, want 2", len(snapshot.Players))
	}

	// The promoted host can drive the quiz.
	sendAction(t, first, map[string]any{"action": "start_quiz"})
	readSnapshot(t, second) // carol sees the handoff first
	snapshot = readSnapshot(t, second)
	if snapshot.State != phaseQuestion {
		t.Fatalf("state after promoted host start = %q, want question", snapshot.State)
	}
}
