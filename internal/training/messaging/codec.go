package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformed 无法解析或不在已知集合中的消息
var ErrMalformed = errors.New("malformed message")

// CommandChannel peer 的命令通道
func CommandChannel(peerUID string) string {
	return fmt.Sprintf("peer.%s.command", peerUID)
}

// EventChannel 会话的事件通道
func EventChannel(sessionID string) string {
	return fmt.Sprintf("coordinator.%s.events", sessionID)
}

// IsEventChannel 是否为会话事件通道；会话结束后这类通道不会被 Publish 重新创建
func IsEventChannel(channel string) bool {
	return strings.HasPrefix(channel, "coordinator.") && strings.HasSuffix(channel, ".events")
}

// CommandType 协调器 -> peer
type CommandType string

const (
	CommandEnable CommandType = "ENABLE"
	CommandTrain  CommandType = "TRAIN"
	CommandStop   CommandType = "STOP"
)

// EventType peer -> 协调器
type EventType string

const (
	EventHeartbeat EventType = "HEARTBEAT"
	EventDone      EventType = "DONE"
	EventError     EventType = "ERROR"
)

// Command 命令消息
type Command struct {
	Type         CommandType `json:"type"`
	SessionID    string      `json:"session_id"`
	EventChannel string      `json:"event_channel,omitempty"`
	DatasetRef   string      `json:"dataset_ref,omitempty"`
	BatchSize    int         `json:"batch_size,omitempty"`
	Epochs       int         `json:"epochs,omitempty"`
	LearningRate float64     `json:"learning_rate,omitempty"`
}

// Event 事件消息
type Event struct {
	PeerUID   string    `json:"peer_uid"`
	SessionID string    `json:"session_id,omitempty"`
	Type      EventType `json:"type"`
	Epoch     int       `json:"epoch,omitempty"`
	Loss      float64   `json:"loss,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// EncodeCommand 编码命令
func EncodeCommand(cmd *Command) ([]byte, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

// DecodeCommand 解码命令，未知类型或缺少字段返回 ErrMalformed
func DecodeCommand(body []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if err := validateCommand(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func validateCommand(cmd *Command) error {
	if cmd.SessionID == "" {
		return errors.Wrap(ErrMalformed, "command without session_id")
	}
	switch cmd.Type {
	case CommandEnable:
		if cmd.EventChannel == "" {
			return errors.Wrap(ErrMalformed, "ENABLE without event_channel")
		}
	case CommandTrain:
		if cmd.DatasetRef == "" {
			return errors.Wrap(ErrMalformed, "TRAIN without dataset_ref")
		}
		if cmd.Epochs <= 0 || cmd.BatchSize <= 0 || cmd.LearningRate <= 0 {
			return errors.Wrap(ErrMalformed, "TRAIN with non-positive hyperparameters")
		}
	case CommandStop:
	default:
		return errors.Wrapf(ErrMalformed, "unknown command type %q", cmd.Type)
	}
	return nil
}

// EncodeEvent 编码事件
func EncodeEvent(ev *Event) ([]byte, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodeEvent 解码事件
func DecodeEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if err := validateEvent(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func validateEvent(ev *Event) error {
	if ev.PeerUID == "" {
		return errors.Wrap(ErrMalformed, "event without peer_uid")
	}
	switch ev.Type {
	case EventHeartbeat:
		// epoch 0 表示尚未完成任何 epoch 的保活心跳
		if ev.Epoch < 0 {
			return errors.Wrap(ErrMalformed, "HEARTBEAT with negative epoch")
		}
	case EventDone, EventError:
	default:
		return errors.Wrapf(ErrMalformed, "unknown event type %q", ev.Type)
	}
	return nil
}
