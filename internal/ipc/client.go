package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/fhir-ig/agent/internal/protocol"
)

// Dial connects to the coordinator listening on path and sends req. It
// returns a channel of events (closed once the terminal event has been
// delivered or the connection drops) and the raw connection error, if the
// dial itself failed.
func Dial(ctx context.Context, path string, req protocol.Request) (<-chan protocol.Event, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %q: %w", path, err)
	}

	line, err := protocol.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: send request: %w", err)
	}

	events := make(chan protocol.Event, protocolBuffer)
	go func() {
		defer conn.Close()
		defer close(events)

		reader := bufio.NewReader(conn)
		for {
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetReadDeadline(deadline)
			}

			raw, err := reader.ReadBytes('\n')
			if err != nil {
				if len(raw) == 0 {
					return
				}
			}

			var event protocol.Event
			if jsonErr := json.Unmarshal(raw, &event); jsonErr != nil {
				return
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}

			if event.Type.Terminal() || err != nil {
				return
			}
		}
	}()

	return events, nil
}

const protocolBuffer = 16
