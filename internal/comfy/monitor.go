package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	apperrors "comfyui-worker/internal/common/errors"
	"comfyui-worker/internal/common/metrics"
)

// wsMessage is the envelope ComfyUI uses for all text frames. Binary frames
// carry preview images and are ignored.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Monitor watches a queued prompt over the server's websocket and streams
// ExecutionEvents until a terminal event, then closes the channel. The
// stream carries exactly one terminal event.
//
// Dropped connections are re-dialed with exponential backoff up to the
// configured attempt budget; after every reconnect, history is polled once
// in case the terminal message was missed while disconnected. Exhausting
// either the reconnect budget or the execution timeout yields a terminal
// EXECUTION_TIMEOUT event.
func (c *Client) Monitor(ctx context.Context, promptID string) <-chan ExecutionEvent {
	events := make(chan ExecutionEvent, 16)
	go c.monitor(ctx, promptID, events)
	return events
}

func (c *Client) monitor(ctx context.Context, promptID string, events chan<- ExecutionEvent) {
	defer close(events)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	defer cancel()

	log := c.log.WithFields(map[string]interface{}{"prompt_id": promptID})

	emit := func(ev ExecutionEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(we *apperrors.WorkerError) {
		// The send must outlive the context: a receiver still draining
		// buffered progress events gets the failure detail instead of a
		// synthesized timeout. Only a fully gone receiver forfeits it.
		grace := time.NewTimer(time.Second)
		defer grace.Stop()
		select {
		case events <- ExecutionEvent{Kind: EventError, Err: we}:
		case <-grace.C:
		}
	}

	wsURL, err := c.websocketURL()
	if err != nil {
		fail(apperrors.NewInternalError(err))
		return
	}

	queuedSeen := false
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > c.cfg.ReconnectAttempts {
				log.Error("monitoring reconnect budget exhausted", map[string]interface{}{
					"attempts": c.cfg.ReconnectAttempts,
				})
				fail(apperrors.NewExecutionTimeoutError(c.cfg.ExecutionTimeout))
				return
			}

			metrics.WebsocketReconnects.Inc()
			delay := backoffDelay(attempt, c.cfg.ReconnectDelay, c.cfg.ReconnectMaxDelay)
			log.Warn("monitoring connection lost, reconnecting", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			})
			select {
			case <-ctx.Done():
				fail(apperrors.NewExecutionTimeoutError(c.cfg.ExecutionTimeout))
				return
			case <-time.After(delay):
			}

			// The terminal message may have been broadcast while we were
			// disconnected; history is the source of truth for that window.
			if entry, err := c.History(ctx, promptID); err == nil && entry != nil {
				if entry.Status.StatusStr == "error" {
					fail(apperrors.NewExecutionFailedError("execution failed while monitor was disconnected"))
					return
				}
				if entry.Status.Completed {
					emit(ExecutionEvent{Kind: EventCompleted})
					return
				}
			}
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				fail(apperrors.NewExecutionTimeoutError(c.cfg.ExecutionTimeout))
				return
			}
			continue
		}

		done, lost := c.consume(ctx, conn, promptID, &queuedSeen, emit)
		conn.Close()
		if done {
			return
		}
		if !lost {
			// Context expired mid-session.
			fail(apperrors.NewExecutionTimeoutError(c.cfg.ExecutionTimeout))
			return
		}
	}
}

// consume reads one websocket session. It returns done=true once a terminal
// event was emitted, or lost=true when the connection dropped and a
// reconnect should be attempted.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn, promptID string,
	queuedSeen *bool, emit func(ExecutionEvent) bool) (done, lost bool) {

	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}

		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, false
			}
			return false, true
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "status":
			if !*queuedSeen {
				*queuedSeen = true
				if !emit(ExecutionEvent{Kind: EventQueued}) {
					return false, false
				}
			}

		case "executing":
			var data struct {
				Node     *string `json:"node"`
				PromptID string  `json:"prompt_id"`
			}
			if json.Unmarshal(msg.Data, &data) != nil || data.PromptID != promptID {
				continue
			}
			if data.Node == nil {
				emit(ExecutionEvent{Kind: EventCompleted})
				return true, false
			}
			if !emit(ExecutionEvent{Kind: EventExecuting, NodeID: *data.Node}) {
				return false, false
			}

		case "progress":
			var data struct {
				Value    float64 `json:"value"`
				Max      float64 `json:"max"`
				Node     string  `json:"node"`
				PromptID string  `json:"prompt_id"`
			}
			if json.Unmarshal(msg.Data, &data) != nil || data.Max <= 0 {
				continue
			}
			if data.PromptID != "" && data.PromptID != promptID {
				continue
			}
			if !emit(ExecutionEvent{Kind: EventProgress, NodeID: data.Node, Progress: data.Value / data.Max}) {
				return false, false
			}

		case "execution_success":
			var data struct {
				PromptID string `json:"prompt_id"`
			}
			if json.Unmarshal(msg.Data, &data) != nil || data.PromptID != promptID {
				continue
			}
			emit(ExecutionEvent{Kind: EventCompleted})
			return true, false

		case "execution_error", "execution_interrupted":
			var data struct {
				PromptID         string `json:"prompt_id"`
				NodeType         string `json:"node_type"`
				NodeID           string `json:"node_id"`
				ExceptionMessage string `json:"exception_message"`
			}
			if json.Unmarshal(msg.Data, &data) != nil || data.PromptID != promptID {
				continue
			}
			detail := fmt.Sprintf("Node Type: %s, Node ID: %s, Message: %s",
				data.NodeType, data.NodeID, data.ExceptionMessage)
			if msg.Type == "execution_interrupted" {
				detail = "execution interrupted on the server"
			}
			emit(ExecutionEvent{Kind: EventError, Err: apperrors.NewExecutionFailedError(detail)})
			return true, false
		}
	}
}

// backoffDelay doubles the base delay per attempt up to the cap.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
