package trainerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInsufficientPeers
	KindStorage
	KindBroker
	KindPeerTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindInsufficientPeers:
		return "INSUFFICIENT_PEERS"
	case KindStorage:
		return "STORAGE"
	case KindBroker:
		return "BROKER"
	case KindPeerTimeout:
		return "PEER_TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseKind 将字符串还原为错误类别（用于从存储中读取）
func ParseKind(s string) Kind {
	switch s {
	case "VALIDATION":
		return KindValidation
	case "INSUFFICIENT_PEERS":
		return KindInsufficientPeers
	case "STORAGE":
		return KindStorage
	case "BROKER":
		return KindBroker
	case "PEER_TIMEOUT":
		return KindPeerTimeout
	case "CANCELLED":
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Error 训练会话错误
type Error struct {
	Kind      Kind
	Message   string
	SessionID string
	Peers     []string // 相关的 peer（超时未完成的节点等）
	Original  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind.String(), e.Message))
	if len(e.Peers) > 0 {
		sb.WriteString(fmt.Sprintf(" (peers: %v)", e.Peers))
	}
	if e.SessionID != "" {
		sb.WriteString(fmt.Sprintf(" [session: %s]", e.SessionID))
	}
	if e.Original != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Original))
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Original
}

// Validation 请求参数错误，不产生任何副作用
func Validation(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// InsufficientPeers 可用 peer 不足
func InsufficientPeers(requested, available int) *Error {
	return &Error{
		Kind:    KindInsufficientPeers,
		Message: fmt.Sprintf("insufficient idle peers: requested %d, available %d", requested, available),
	}
}

// Storage 数据集或会话存储失败
func Storage(sessionID string, err error) *Error {
	return &Error{
		Kind:      KindStorage,
		Message:   "storage failure",
		SessionID: sessionID,
		Original:  err,
	}
}

// Broker 消息通道失败
func Broker(sessionID string, err error) *Error {
	return &Error{
		Kind:      KindBroker,
		Message:   "broker failure",
		SessionID: sessionID,
		Original:  err,
	}
}

// PeerTimeout 超时或存活窗口超限，非致命
func PeerTimeout(sessionID string, peers []string, msg string) *Error {
	return &Error{
		Kind:      KindPeerTimeout,
		Message:   msg,
		SessionID: sessionID,
		Peers:     peers,
	}
}

// Cancelled 会话被取消（管理器关闭或显式取消）
func Cancelled(sessionID string, err error) *Error {
	return &Error{
		Kind:      KindCancelled,
		Message:   "cancelled",
		SessionID: sessionID,
		Original:  err,
	}
}

// Is 判断错误链中是否存在指定类别的 *Error
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf 返回错误链中第一个 *Error 的类别
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
