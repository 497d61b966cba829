package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LogEmitter prints run events, one line each, as text or as JSON lines.
//
// Text lines lead with the event name and the ids that locate it, then the
// status, then the remaining meta as JSON. Node output ("data") is left out
// of text lines to keep them short:
//
//	[nodeResult] flow=orders run=4f1c session=s1 step=2 node=ifElse_0 status=FINISHED meta={"depth":1}
//
// JSON lines carry the whole event:
//
//	{"event":"nodeResult","flowId":"orders","runId":"4f1c","step":2,"nodeId":"ifElse_0","meta":{...}}
type LogEmitter struct {
	mu       sync.Mutex
	w        io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer selects stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{w: writer, jsonMode: jsonMode}
}

// Emit implements Emitter. Lines of concurrent runs never interleave.
func (l *LogEmitter) Emit(event Event) {
	var line string
	if l.jsonMode {
		line = jsonLine(event)
	} else {
		line = textLine(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line)
}

func jsonLine(event Event) string {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Sprintf("{\"event\":%q,\"runId\":%q,\"error\":%q}\n", event.Msg, event.RunID, "unencodable meta: "+err.Error())
	}
	return string(data) + "\n"
}

func textLine(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", event.Msg)
	if event.FlowID != "" {
		fmt.Fprintf(&b, " flow=%s", event.FlowID)
	}
	fmt.Fprintf(&b, " run=%s", event.RunID)
	if event.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", event.SessionID)
	}
	if event.Step > 0 {
		fmt.Fprintf(&b, " step=%d", event.Step)
	}
	if event.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", event.NodeID)
	}

	rest := make(map[string]any, len(event.Meta))
	for k, v := range event.Meta {
		switch k {
		case "status":
			fmt.Fprintf(&b, " status=%v", v)
		case "data":
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		if meta, err := json.Marshal(rest); err == nil {
			fmt.Fprintf(&b, " meta=%s", meta)
		} else {
			fmt.Fprintf(&b, " meta=%v", rest)
		}
	}
	b.WriteByte('\n')
	return b.String()
}
