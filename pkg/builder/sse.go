package builder

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/logabell/conversator/pkg/models"
)

// sseFrame is one server-sent event before domain decoding.
type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSE parses server-sent events from r and delivers decoded frames on
// out until EOF or a read error, which is returned. The caller owns closing r.
func readSSE(r io.Reader, out chan<- *RemoteEvent, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var frame sseFrame
	var dataLines []string
	flush := func() {
		if frame.event == "" && len(dataLines) == 0 {
			return
		}
		frame.data = strings.Join(dataLines, "\n")
		if ev := decodeFrame(&frame, logger); ev != nil {
			out <- ev
		}
		frame = sseFrame{}
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "id:"):
			frame.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			frame.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	return scanner.Err()
}

// decodeFrame converts an SSE frame into a RemoteEvent. Malformed or
// unrecognized frames are logged with their raw payload and dropped
// (translation returns no domain event for them).
func decodeFrame(frame *sseFrame, logger *slog.Logger) *RemoteEvent {
	ev := &RemoteEvent{Cursor: frame.id, Type: frame.event}

	switch frame.event {
	case RemoteEventStatus:
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(frame.data), &body); err != nil {
			logger.Warn("Malformed status frame", "data", frame.data, "error", err)
			return nil
		}
		ev.Status = body.Status

	case RemoteEventGateRequested:
		var body struct {
			Kind  string   `json:"kind"`
			Files []string `json:"files"`
			Note  string   `json:"note"`
		}
		if err := json.Unmarshal([]byte(frame.data), &body); err != nil {
			logger.Warn("Malformed gate frame", "data", frame.data, "error", err)
			return nil
		}
		ev.Gate = &models.GateRequest{
			Kind:  models.GateKind(body.Kind),
			Files: body.Files,
			Note:  body.Note,
		}

	case RemoteEventArtifact:
		var body struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(frame.data), &body); err != nil {
			logger.Warn("Malformed artifact frame", "data", frame.data, "error", err)
			return nil
		}
		ev.Artifacts = []string{body.Path}

	case RemoteEventCompleted:
		var body struct {
			Artifacts []string `json:"artifacts"`
		}
		if frame.data != "" {
			if err := json.Unmarshal([]byte(frame.data), &body); err != nil {
				logger.Warn("Malformed completed frame", "data", frame.data, "error", err)
				return nil
			}
		}
		ev.Artifacts = body.Artifacts

	case RemoteEventFailed:
		var body struct {
			Reason string `json:"reason"`
		}
		if frame.data != "" {
			if err := json.Unmarshal([]byte(frame.data), &body); err != nil {
				logger.Warn("Malformed failed frame", "data", frame.data, "error", err)
				return nil
			}
		}
		ev.Reason = body.Reason

	default:
		logger.Warn("Unrecognized remote event", "event", frame.event, "data", frame.data)
		return nil
	}

	return ev
}
