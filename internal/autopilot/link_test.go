package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/obstacle-avoidance/internal/command"
	"github.com/banshee-data/obstacle-avoidance/internal/testutil"
)

func decodeLines(t *testing.T, lines []string) []map[string]any {
	t.Helper()
	out := make([]map[string]any, len(lines))
	for i, line := range lines {
		require.NoError(t, json.Unmarshal([]byte(line), &out[i]), "line %d: %s", i, line)
	}
	return out
}

func TestInitializeEnablesOffboard(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)
	require.NoError(t, link.Initialize())

	msgs := decodeLines(t, port.WrittenLines())
	require.Len(t, msgs, 2)
	assert.Equal(t, "offboard", msgs[0]["type"])
	assert.Equal(t, true, msgs[0]["enable"])
	assert.Equal(t, "setpoint", msgs[1]["type"])
	assert.Equal(t, "hold", msgs[1]["direction"])
}

func TestDispatchWritesSetpoint(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)

	cmd := command.Command{Direction: command.UpLeft, Lateral: -1.5, Vertical: -2, Yaw: command.YawHold}
	require.NoError(t, link.Dispatch(context.Background(), cmd))
	require.NoError(t, link.Dispatch(context.Background(), command.Command{Direction: command.Search, Yaw: command.YawSpin, YawRate: 0.25}))

	msgs := decodeLines(t, port.WrittenLines())
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{
		"type": "setpoint", "seq": 1.0, "direction": "up-left",
		"lateral": -1.5, "vertical": -2.0, "yaw": "hold",
	}, msgs[0])
	assert.Equal(t, 2.0, msgs[1]["seq"])
	assert.Equal(t, "spin", msgs[1]["yaw"])
	assert.Equal(t, 0.25, msgs[1]["yaw_rate"])

	st := link.Stats()
	assert.Equal(t, uint64(2), st.Dispatched)
	assert.Equal(t, command.Search, st.LastCommand.Direction)
}

func TestDispatchCancelledContext(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := link.Dispatch(ctx, command.HoldCommand)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, port.WrittenLines())
}

func TestDispatchWriteFailures(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)

	port.SetWriteError(errors.New("unplugged"))
	err := link.Dispatch(context.Background(), command.HoldCommand)
	assert.ErrorIs(t, err, ErrWriteFailed)

	port.SetWriteError(nil)
	port.ShortWrites = true
	err = link.Dispatch(context.Background(), command.HoldCommand)
	assert.ErrorIs(t, err, ErrWriteFailed)

	assert.Equal(t, uint64(2), link.Stats().Failed)
	assert.Equal(t, uint64(0), link.Stats().Dispatched)
}

func TestDispatchTimeoutOnStalledPort(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)
	resume := port.StallWrites()
	defer resume()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := link.Dispatch(ctx, command.Command{Direction: command.Left, Lateral: -1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The next setpoint queues behind the stalled write and gives up too.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, link.Dispatch(ctx2, command.HoldCommand), context.DeadlineExceeded)
	assert.Empty(t, port.WrittenLines())

	// Once the line drains the abandoned write lands and the link is usable.
	resume()
	require.Eventually(t, func() bool { return link.Stats().Dispatched == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, link.Dispatch(context.Background(), command.HoldCommand))

	msgs := decodeLines(t, port.WrittenLines())
	require.Len(t, msgs, 2)
	assert.Equal(t, "left", msgs[0]["direction"])
	assert.Equal(t, 1.0, msgs[0]["seq"])
	assert.Equal(t, 2.0, msgs[1]["seq"])
	assert.Zero(t, link.Stats().Failed)
}

func TestCloseGivesUpOnStalledPort(t *testing.T) {
	saved := closeWait
	closeWait = 50 * time.Millisecond
	t.Cleanup(func() { closeWait = saved })

	port := NewTestablePort()
	link := NewLink(port)
	resume := port.StallWrites()
	defer resume()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, link.Dispatch(ctx, command.HoldCommand), context.DeadlineExceeded)

	require.NoError(t, link.Close())
	assert.True(t, port.Closed())
	assert.True(t, link.Stats().Closed)
}

func TestCloseSendsHoldAndRelease(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)
	_, ch := link.Subscribe()

	require.NoError(t, link.Dispatch(context.Background(), command.Command{Direction: command.Right, Lateral: 2.5}))
	require.NoError(t, link.Close())

	msgs := decodeLines(t, port.WrittenLines())
	require.Len(t, msgs, 3)
	assert.Equal(t, "hold", msgs[1]["direction"])
	assert.Equal(t, "offboard", msgs[2]["type"])
	assert.Equal(t, false, msgs[2]["enable"])
	assert.True(t, port.Closed())

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed")

	// Idempotent, and dispatch is refused afterwards.
	require.NoError(t, link.Close())
	assert.ErrorIs(t, link.Dispatch(context.Background(), command.HoldCommand), ErrClosed)
	assert.ErrorIs(t, link.Initialize(), ErrClosed)
	assert.ErrorIs(t, link.SendLine("x"), ErrClosed)
	assert.Len(t, port.WrittenLines(), 3)
	assert.True(t, link.Stats().Closed)

	_, late := link.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestCloseStillClosesPortWhenWritesFail(t *testing.T) {
	port := NewTestablePort()
	port.SetWriteError(errors.New("unplugged"))
	link := NewLink(port)
	require.NoError(t, link.Close())
	assert.True(t, port.Closed())
}

func TestMonitorFansOutTelemetry(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)

	_, a := link.Subscribe()
	idB, b := link.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- link.Monitor(ctx) }()

	port.AddReadData("{\"type\":\"ack\",\"seq\":1}\nbattery 87%\n")

	for _, ch := range []chan string{a, b} {
		for _, want := range []string{`{"type":"ack","seq":1}`, "battery 87%"} {
			select {
			case got := <-ch:
				assert.Equal(t, want, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	link.Unsubscribe(idB)
	_, open := <-b
	assert.False(t, open)

	require.NoError(t, link.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestClassifyTelemetry(t *testing.T) {
	tests := map[string]string{
		`{"type":"ack","seq":3}`:         TelemetryAck,
		`{"type":"status","mode":"OFF"}`: TelemetryStatus,
		`{"type":"error","msg":"x"}`:     TelemetryError,
		`{"type":"weird"}`:               TelemetryUnknown,
		`{not json`:                      TelemetryUnknown,
		"":                               TelemetryUnknown,
		"ERR offboard rejected":          TelemetryError,
		"entering FAILSAFE":              TelemetryError,
		"battery 87%":                    TelemetryStatus,
	}
	for line, want := range tests {
		if got := ClassifyTelemetry(line); got != want {
			t.Errorf("ClassifyTelemetry(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 57600, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	assert.True(t, PortOptions{Parity: "none"}.Equal(PortOptions{BaudRate: 57600, Parity: "N"}))
	assert.False(t, PortOptions{BaudRate: 115200}.Equal(PortOptions{}))
	assert.False(t, PortOptions{DataBits: 9}.Equal(PortOptions{DataBits: 9}))

	bad := []PortOptions{{DataBits: 4}, {StopBits: 3}, {Parity: "mark"}}
	for _, o := range bad {
		_, err := o.Normalize()
		assert.Error(t, err, "%+v", o)
	}

	mode, err := PortOptions{StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 57600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)
}

func TestDisabledLink(t *testing.T) {
	d := NewDisabledLink()
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Dispatch(context.Background(), command.Command{Direction: command.Down, Vertical: 1}))
	assert.Equal(t, uint64(1), d.Stats().Dispatched)
	assert.Equal(t, command.Down, d.Stats().LastCommand.Direction)

	_, ch := d.Subscribe()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, d.Dispatch(context.Background(), command.HoldCommand), ErrClosed)
}

func TestAdminSendAPI(t *testing.T) {
	port := NewTestablePort()
	link := NewLink(port)
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid line", http.MethodPost, url.Values{"line": {`{"type":"offboard","enable":false}`}}, http.StatusOK},
		{"blank line", http.MethodPost, url.Values{"line": {"  "}}, http.StatusBadRequest},
		{"get not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.LocalRequest(tt.method, "/debug/autopilot-send-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, []string{`{"type":"offboard","enable":false}`}, port.WrittenLines())
}

func TestAdminStats(t *testing.T) {
	d := NewDisabledLink()
	require.NoError(t, d.Dispatch(context.Background(), command.Command{Direction: command.Left, Lateral: -1}))
	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	w := testutil.Serve(mux, testutil.LocalRequest(http.MethodGet, "/debug/autopilot-stats", nil))
	testutil.AssertStatusCode(t, w, http.StatusOK)

	var st LinkStats
	testutil.DecodeJSON(t, w, &st)
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Equal(t, command.Left, st.LastCommand.Direction)
}
