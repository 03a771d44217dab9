package builder

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/pkg/models"
)

func parseAll(t *testing.T, stream string) []*RemoteEvent {
	t.Helper()
	out := make(chan *RemoteEvent, 16)
	err := readSSE(strings.NewReader(stream), out, slog.Default())
	require.NoError(t, err)
	close(out)
	var events []*RemoteEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestReadSSEParsesFrames(t *testing.T) {
	stream := "id: 1\nevent: status\ndata: {\"status\":\"running\"}\n\n" +
		"id: 2\nevent: gate_requested\ndata: {\"kind\":\"write\",\"files\":[\"src/auth/mw.ts\"]}\n\n" +
		"id: 3\nevent: completed\ndata: {\"artifacts\":[\"diff.md\"]}\n\n"

	events := parseAll(t, stream)
	require.Len(t, events, 3)

	assert.Equal(t, RemoteEventStatus, events[0].Type)
	assert.Equal(t, "running", events[0].Status)
	assert.Equal(t, "1", events[0].Cursor)

	assert.Equal(t, RemoteEventGateRequested, events[1].Type)
	require.NotNil(t, events[1].Gate)
	assert.Equal(t, models.GateWrite, events[1].Gate.Kind)
	assert.Equal(t, []string{"src/auth/mw.ts"}, events[1].Gate.Files)

	assert.Equal(t, RemoteEventCompleted, events[2].Type)
	assert.Equal(t, []string{"diff.md"}, events[2].Artifacts)
}

func TestReadSSEDropsUnrecognizedAndMalformed(t *testing.T) {
	stream := "event: telemetry\ndata: {\"cpu\":3}\n\n" +
		"event: status\ndata: not-json\n\n" +
		"event: status\ndata: {\"status\":\"paused\"}\n\n"

	events := parseAll(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, "paused", events[0].Status)
}

func TestReadSSEIgnoresCommentsAndMultilineData(t *testing.T) {
	stream := ": keepalive\n\n" +
		"event: failed\ndata: {\"reason\":\n" + "data: \"boom\"}\n\n"

	events := parseAll(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, RemoteEventFailed, events[0].Type)
	assert.Equal(t, "boom", events[0].Reason)
}

func TestDispatchTokenDeterministic(t *testing.T) {
	assert.Equal(t, DispatchToken("t1", "d1"), DispatchToken("t1", "d1"))
	assert.NotEqual(t, DispatchToken("t1", "d1"), DispatchToken("t1", "d2"))
	assert.NotEqual(t, DispatchToken("t1", "d1"), DispatchToken("t2", "d1"))
}
