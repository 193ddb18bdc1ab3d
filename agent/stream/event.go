// Package stream 提供单次运行的有序事件通道以及 SSE 编码。
package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// Kind 标识事件类型，序列化为 "type" 字段。
type Kind string

const (
	KindConfig         Kind = "config"
	KindLog            Kind = "log"
	KindRequestInput   Kind = "request_input"
	KindProductChoices Kind = "product_choices"
	KindAddressChoices Kind = "address_choices"
	KindPaymentChoices Kind = "payment_choices"
	KindOptions        Kind = "options"
	KindResult         Kind = "result"
	KindUsage          Kind = "usage"
	KindError          Kind = "error"

	KindBatchStart    Kind = "batch_start"
	KindBatchStatus   Kind = "batch_status"
	KindItemUsage     Kind = "item_usage"
	KindBatchUsage    Kind = "batch_usage"
	KindBatchComplete Kind = "batch_complete"
)

// IsDecisionRequest 报告该类型是否为等待人工决策的提示。
func (k Kind) IsDecisionRequest() bool {
	switch k {
	case KindRequestInput, KindProductChoices, KindAddressChoices, KindPaymentChoices, KindOptions:
		return true
	}
	return false
}

// Event 是流向观察者的一帧。
type Event struct {
	Type      Kind   `json:"type"`
	Content   any    `json:"content"`
	SessionID string `json:"session_id,omitempty"`
	ItemIndex *int   `json:"batch_item_index,omitempty"`
}

// WithSession 返回带会话标识的副本。
func (e Event) WithSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// WithItem 返回带批处理条目下标的副本。
func (e Event) WithItem(index *int) Event {
	if index != nil {
		i := *index
		e.ItemIndex = &i
	}
	return e
}

// Log 构造进度日志事件，msg 原样输出。
func Log(msg string) Event {
	return Event{Type: KindLog, Content: msg}
}

// Logf 按格式构造进度日志事件。
func Logf(format string, args ...any) Event {
	return Event{Type: KindLog, Content: fmt.Sprintf(format, args...)}
}

// ErrorEvent 构造错误事件。
func ErrorEvent(msg string) Event {
	return Event{Type: KindError, Content: msg}
}

// Result 构造终态结果事件。
func Result(content string) Event {
	return Event{Type: KindResult, Content: content}
}

// New 构造任意类型的事件。
func New(kind Kind, content any) Event {
	return Event{Type: kind, Content: content}
}

// SSEDone 在哨兵之后写出的结束帧。
const SSEDone = "data: [DONE]\n\n"

// EncodeSSE 按 "data: <json>\n\n" 写出一个事件。
func EncodeSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}
