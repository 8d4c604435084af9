package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/docsync/ot"
	"github.com/alimasry/docsync/store"
)

func setupTestServer(t *testing.T, backing store.SnapshotStore, cfg Config) (*httptest.Server, *Hub) {
	t.Helper()
	if backing == nil {
		backing = store.NewMemoryStore()
	}
	hub, _ := newTestHub(t, backing, cfg)
	server := httptest.NewServer(NewHandler(hub))
	t.Cleanup(server.Close)
	return server, hub
}

func wsConnect(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWsMsg(t *testing.T, conn *websocket.Conn, m Message) {
	t.Helper()
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readWsMsg returns the next message other than a heartbeat.
func readWsMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		m, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if _, ok := m.(Heartbeat); !ok {
			return m
		}
	}
}

func readWsAs[T Message](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	m := readWsMsg(t, conn)
	v, ok := m.(T)
	if !ok {
		t.Fatalf("got %T %+v, want %T", m, m, v)
	}
	return v
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("connection still open")
			}
			return
		}
	}
}

func TestHandler_TwoClientsCollaborate(t *testing.T) {
	server, _ := setupTestServer(t, nil, Config{})
	conn1 := wsConnect(t, server)
	conn2 := wsConnect(t, server)

	sendWsMsg(t, conn1, Join{DocumentID: "doc", ParticipantID: "alice"})
	if joined := readWsAs[Joined](t, conn1); joined.Text != "" || joined.GlobalSeq != 0 {
		t.Errorf("joined = %+v", joined)
	}
	sendWsMsg(t, conn2, Join{DocumentID: "doc", ParticipantID: "bob"})
	if joined := readWsAs[Joined](t, conn2); len(joined.Participants) != 2 {
		t.Errorf("participants = %v", joined.Participants)
	}
	readWsAs[ParticipantJoined](t, conn1)

	sendWsMsg(t, conn1, Op{DocumentID: "doc", Kind: ot.Insert, Position: 0, Content: "hello", LocalSeq: 1})
	if ack := readWsAs[OpAck](t, conn1); ack.NewGlobalSeq != 1 || ack.LocalSeq != 1 {
		t.Errorf("ack = %+v", ack)
	}
	bc := readWsAs[OpBroadcast](t, conn2)
	if bc.Op.Content != "hello" || bc.Op.Author != "alice" {
		t.Errorf("broadcast = %+v", bc)
	}

	sendWsMsg(t, conn2, Cursor{DocumentID: "doc", Position: 5})
	if cur := readWsAs[Cursor](t, conn1); cur.ParticipantID != "bob" || cur.Position != 5 {
		t.Errorf("cursor = %+v", cur)
	}

	sendWsMsg(t, conn2, Leave{DocumentID: "doc", ParticipantID: "bob"})
	if left := readWsAs[ParticipantLeft](t, conn1); left.ParticipantID != "bob" {
		t.Errorf("left = %+v", left)
	}
}

func TestHandler_MalformedMessageKeepsConnection(t *testing.T) {
	server, _ := setupTestServer(t, nil, Config{})
	conn := wsConnect(t, server)

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if e := readWsAs[Error](t, conn); e.Code != CodeBadMessage || e.Fatal {
		t.Errorf("error = %+v, want non-fatal bad_message", e)
	}

	sendWsMsg(t, conn, Op{DocumentID: "doc", Kind: ot.Insert, Content: "x", LocalSeq: 1})
	if e := readWsAs[Error](t, conn); e.Code != CodeNotJoined {
		t.Errorf("error = %+v, want not_joined", e)
	}

	sendWsMsg(t, conn, Join{DocumentID: "doc", ParticipantID: "alice"})
	readWsAs[Joined](t, conn)
}

func TestHandler_ProtocolViolationClosesConnection(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"shout","data":{}}`},
		{"server-only type", `{"type":"op_ack","data":{"documentId":"doc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t, nil, Config{})
			conn := wsConnect(t, server)

			conn.WriteMessage(websocket.TextMessage, []byte(tt.raw))
			if e := readWsAs[Error](t, conn); e.Code != CodeProtocolViolation || !e.Fatal {
				t.Errorf("error = %+v, want fatal protocol_violation", e)
			}
			expectClosed(t, conn)
		})
	}
}

func TestHandler_UnauthorizedJoinClosesConnection(t *testing.T) {
	server, hub := setupTestServer(t, nil, Config{Authorizer: NewAllowList("alice")})

	conn := wsConnect(t, server)
	sendWsMsg(t, conn, Join{DocumentID: "doc", ParticipantID: "mallory"})
	if e := readWsAs[Error](t, conn); e.Code != CodeUnauthorized || !e.Fatal {
		t.Errorf("error = %+v, want fatal unauthorized", e)
	}
	expectClosed(t, conn)
	if len(hub.Sessions()) != 0 {
		t.Error("rejected join opened a session")
	}

	ok := wsConnect(t, server)
	sendWsMsg(t, ok, Join{DocumentID: "doc", ParticipantID: "alice"})
	readWsAs[Joined](t, ok)
}

func TestHandler_ReconnectResumes(t *testing.T) {
	server, _ := setupTestServer(t, nil, Config{})
	conn1 := wsConnect(t, server)
	conn2 := wsConnect(t, server)

	sendWsMsg(t, conn1, Join{DocumentID: "doc", ParticipantID: "alice"})
	readWsAs[Joined](t, conn1)
	sendWsMsg(t, conn2, Join{DocumentID: "doc", ParticipantID: "bob"})
	readWsAs[Joined](t, conn2)
	readWsAs[ParticipantJoined](t, conn1)

	// Bob's connection drops without a LEAVE.
	conn2.Close()
	readWsAs[ParticipantLeft](t, conn1)

	sendWsMsg(t, conn1, Op{DocumentID: "doc", Kind: ot.Insert, Content: "ab", LocalSeq: 1})
	readWsAs[OpAck](t, conn1)

	conn3 := wsConnect(t, server)
	from := int64(0)
	sendWsMsg(t, conn3, Join{DocumentID: "doc", ParticipantID: "bob", ResumeFrom: &from})
	joined := readWsAs[Joined](t, conn3)
	if !joined.Resumed || len(joined.Missed) != 1 || joined.Missed[0].Content != "ab" {
		t.Errorf("joined = %+v, want resume with the missed insert", joined)
	}
}

func TestHandler_JoinAnotherDocumentLeavesFirst(t *testing.T) {
	server, hub := setupTestServer(t, nil, Config{})
	watcher := wsConnect(t, server)
	conn := wsConnect(t, server)

	sendWsMsg(t, watcher, Join{DocumentID: "a", ParticipantID: "watcher"})
	readWsAs[Joined](t, watcher)
	sendWsMsg(t, conn, Join{DocumentID: "a", ParticipantID: "alice"})
	readWsAs[Joined](t, conn)
	readWsAs[ParticipantJoined](t, watcher)

	sendWsMsg(t, conn, Join{DocumentID: "b", ParticipantID: "alice"})
	readWsAs[Joined](t, conn)
	if left := readWsAs[ParticipantLeft](t, watcher); left.ParticipantID != "alice" {
		t.Errorf("left = %+v", left)
	}

	sessions := hub.Sessions()
	if len(sessions) != 2 || sessions[0].Connections != 1 || sessions[1].Connections != 1 {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestHandler_HeartbeatsAndTimeout(t *testing.T) {
	server, hub := setupTestServer(t, nil, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
	})
	conn := wsConnect(t, server)
	sendWsMsg(t, conn, Join{DocumentID: "doc", ParticipantID: "alice"})

	sawHeartbeat := false
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for !sawHeartbeat {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		m, _ := Decode(data)
		_, sawHeartbeat = m.(Heartbeat)
	}

	// Stop reading: pings go unanswered and the server gives up.
	time.Sleep(400 * time.Millisecond)
	expectClosed(t, conn)
	waitFor(t, "participant removed", func() bool {
		s := hub.Sessions()
		return len(s) == 1 && s[0].Participants == 0
	})
}

func TestHandler_HTTPEndpoints(t *testing.T) {
	backing := store.NewMemoryStore()
	backing.Persist(ctx(), "stored", ot.Snapshot{Text: "x", Seq: 1})
	server, _ := setupTestServer(t, backing, Config{})

	conn := wsConnect(t, server)
	sendWsMsg(t, conn, Join{DocumentID: "live", ParticipantID: "alice"})
	readWsAs[Joined](t, conn)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	var sessions []SessionInfo
	getJSON(t, server.URL+"/sessions", &sessions)
	if len(sessions) != 1 || sessions[0].DocumentID != "live" || sessions[0].Participants != 1 {
		t.Errorf("sessions = %+v", sessions)
	}

	var docs []store.DocumentInfo
	getJSON(t, server.URL+"/documents", &docs)
	if len(docs) != 1 || docs[0].ID != "stored" || docs[0].Seq != 1 {
		t.Errorf("documents = %+v", docs)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	server, _ := setupTestServer(t, nil, Config{AllowedOrigins: []string{"https://docs.example"}})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	header := http.Header{"Origin": {"https://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("dial from foreign origin succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	header = http.Header{"Origin": {"https://docs.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}
