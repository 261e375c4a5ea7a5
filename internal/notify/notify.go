// Package notify carries optional wake-up signals between agents. Polling
// stays the source of truth; a signal only shortens the wait.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/logging"
)

const subjectRoot = "phaseline"

type Notifier interface {
	TaskEnqueued(namespace, toAgent string, taskID int64)
	TaskFinished(namespace string, taskID int64, status domain.TaskStatus)
	// Subscribe returns a coalescing wake channel for subject and a cancel func.
	Subscribe(subject string) (<-chan struct{}, func(), error)
}

// AgentSubject is signalled when work is enqueued for agent.
func AgentSubject(namespace, agent string) string {
	return fmt.Sprintf("%s.%s.agent.%s", subjectRoot, token(namespace), token(agent))
}

// TaskSubject is signalled when a task reaches a terminal status.
func TaskSubject(namespace string, taskID int64) string {
	return fmt.Sprintf("%s.%s.task.%s", subjectRoot, token(namespace), strconv.FormatInt(taskID, 10))
}

// TasksSubject matches every TaskSubject of a namespace.
func TasksSubject(namespace string) string {
	return fmt.Sprintf("%s.%s.task.*", subjectRoot, token(namespace))
}

// token escapes s into one subject token. Letters, digits and '-' pass
// through; every other byte becomes '_' plus two hex digits, so distinct
// namespaces never share a subject.
func token(s string) string {
	if s == "" {
		return "_"
	}
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials url and returns a NATS notifier.
func Connect(url string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("phaseline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATS(nc, logger), nil
}

func NewNATS(nc *nats.Conn, logger *zap.Logger) *NATS {
	return &NATS{conn: nc, logger: logging.OrNop(logger)}
}

func (n *NATS) TaskEnqueued(namespace, toAgent string, taskID int64) {
	n.publish(AgentSubject(namespace, toAgent), []byte(strconv.FormatInt(taskID, 10)))
}

func (n *NATS) TaskFinished(namespace string, taskID int64, status domain.TaskStatus) {
	n.publish(TaskSubject(namespace, taskID), []byte(status))
}

func (n *NATS) publish(subject string, data []byte) {
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("notify publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (n *NATS) Subscribe(subject string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	sub, err := n.conn.Subscribe(subject, func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	return ch, func() { _ = sub.Unsubscribe() }, nil
}

func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}

// Nop drops every signal. Its wake channels never fire.
type Nop struct{}

func (Nop) TaskEnqueued(string, string, int64)                {}
func (Nop) TaskFinished(string, int64, domain.TaskStatus)     {}
func (Nop) Subscribe(string) (<-chan struct{}, func(), error) { return nil, func() {}, nil }
