package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/security"
)

type hubEnv struct {
	hub    *Hub
	jobs   *db.JobStore
	jwt    *security.JWTService
	server *httptest.Server
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realtime_test.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	log := logrus.New()
	log.SetOutput(io.Discard)

	jobs := db.NewJobStore(gdb)
	jwt := security.NewJWTService("test-secret")
	hub := NewHub(jwt, jobs, log)

	e := echo.New()
	e.GET("/ws", hub.ServeWS)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &hubEnv{hub: hub, jobs: jobs, jwt: jwt, server: server}
}

func (e *hubEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *hubEnv) seedJob(t *testing.T, userID uint) *db.Job {
	t.Helper()
	job := &db.Job{
		UserID:         userID,
		Filename:       "livre.pdf",
		Model:          common.ModelBalanced,
		PricingVersion: common.PricingVersion,
		PricingRate:    common.DefaultPricingRate,
		Status:         common.JobPending,
	}
	require.NoError(t, e.jobs.Create(job))
	return job
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func joinRoom(t *testing.T, conn *websocket.Conn, room, token string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientMessage{Event: "join", Room: room, Token: token}))
}

func TestJoinReplaysCurrentState(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)
	_, err := env.jobs.MarkProcessing(job.ID, "Analyzing PDF", 5)
	require.NoError(t, err)

	token, err := env.jwt.GenerateToken(1, false, time.Hour)
	require.NoError(t, err)

	conn := env.dial(t)
	joinRoom(t, conn, fmt.Sprintf("job:%d", job.ID), token)

	msg := readServerMessage(t, conn)
	assert.Equal(t, "job_progress", msg.Event)

	var event common.ProgressEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, job.ID, event.ID)
	assert.Equal(t, common.JobProcessing, event.Status)
	assert.Equal(t, "Analyzing PDF", event.CurrentStep)
}

func TestJoinRejectsForeignJob(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)

	token, err := env.jwt.GenerateToken(2, false, time.Hour)
	require.NoError(t, err)

	conn := env.dial(t)
	joinRoom(t, conn, fmt.Sprintf("job:%d", job.ID), token)

	msg := readServerMessage(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "job not found", msg.Error)
	assert.Zero(t, env.hub.RoomSize(fmt.Sprintf("job:%d", job.ID)))
}

func TestJoinRejectsBadToken(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)

	conn := env.dial(t)
	joinRoom(t, conn, fmt.Sprintf("job:%d", job.ID), "not-a-token")

	msg := readServerMessage(t, conn)
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "invalid token", msg.Error)
}

func TestAdminMayJoinAnyJob(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)

	token, err := env.jwt.GenerateToken(99, true, time.Hour)
	require.NoError(t, err)

	conn := env.dial(t)
	joinRoom(t, conn, fmt.Sprintf("job:%d", job.ID), token)

	msg := readServerMessage(t, conn)
	assert.Equal(t, "job_progress", msg.Event)
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)
	room := fmt.Sprintf("job:%d", job.ID)

	token, err := env.jwt.GenerateToken(1, false, time.Hour)
	require.NoError(t, err)

	conn := env.dial(t)
	joinRoom(t, conn, room, token)
	readServerMessage(t, conn) // join replay

	require.Eventually(t, func() bool {
		return env.hub.RoomSize(room) == 1
	}, time.Second, 10*time.Millisecond)

	env.hub.Broadcast(room, []byte(`{"id":1,"progress_percent":42}`))

	msg := readServerMessage(t, conn)
	assert.Equal(t, "job_progress", msg.Event)
	assert.Equal(t, room, msg.Room)
	assert.Contains(t, string(msg.Data), `"progress_percent":42`)
}

func TestLeaveStopsDelivery(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)
	room := fmt.Sprintf("job:%d", job.ID)

	token, err := env.jwt.GenerateToken(1, false, time.Hour)
	require.NoError(t, err)

	conn := env.dial(t)
	joinRoom(t, conn, room, token)
	readServerMessage(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Event: "leave", Room: room}))
	require.Eventually(t, func() bool {
		return env.hub.RoomSize(room) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeForwardsRedisEvents(t *testing.T) {
	env := newHubEnv(t)
	job := env.seedJob(t, 1)
	room := fmt.Sprintf("job:%d", job.ID)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	bridge := NewBridge(client, env.hub, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()

	token, err := env.jwt.GenerateToken(1, false, time.Hour)
	require.NoError(t, err)
	conn := env.dial(t)
	joinRoom(t, conn, room, token)
	readServerMessage(t, conn)

	require.Eventually(t, func() bool {
		return env.hub.RoomSize(room) == 1
	}, time.Second, 10*time.Millisecond)

	// Publishing may race the PSubscribe establishment; retry until the
	// subscriber sees it.
	require.Eventually(t, func() bool {
		n, err := client.Publish(context.Background(), room, `{"progress_percent":77}`).Result()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	msg := readServerMessage(t, conn)
	assert.Equal(t, "job_progress", msg.Event)
	assert.Contains(t, string(msg.Data), `"progress_percent":77`)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
