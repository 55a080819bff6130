package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/BetaCatPro/ws-resilience/internal/compression"
	"github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// Frame 传输层的一帧数据
type Frame struct {
	Binary bool
	Data   []byte
}

// Envelope JSON 信封，json/heartbeat/auth 以及需要确认的消息使用
type Envelope struct {
	ID        string            `json:"id,omitempty"`
	Type      types.MessageType `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Timestamp int64             `json:"timestamp"` // 毫秒
	NeedsAck  bool              `json:"needsAck,omitempty"`
}

// Ack 对端回复的确认
type Ack struct {
	AckID string `json:"ackId"`
	Error string `json:"error,omitempty"`
}

// InboundKind 入站帧分类
type InboundKind int

const (
	InboundMessage InboundKind = iota
	InboundHeartbeat
	InboundAck
)

// Inbound 入站帧解析结果
type Inbound struct {
	Kind    InboundKind
	ID      string // 心跳ID或确认的消息ID
	Error   string // 确认携带的拒绝原因
	Message types.Message
	Err     error // 二进制帧解压失败，Message 携带原始字节
}

// Codec 按消息类型编解码
type Codec struct {
	compressor compression.Compressor
}

// NewCodec 创建编解码器，compressionName 只作用于二进制帧
func NewCodec(compressionName string) (*Codec, error) {
	c, err := compression.GetCompressor(compressionName)
	if err != nil {
		return nil, err
	}
	return &Codec{compressor: c}, nil
}

// Encode 将消息编码为帧
func (c *Codec) Encode(msg types.Message) (Frame, error) {
	if !msg.NeedsAck {
		switch msg.Type {
		case types.MessageText:
			return Frame{Data: textBytes(msg.Payload)}, nil
		case types.MessageBinary:
			data, err := binaryBytes(msg.Payload)
			if err != nil {
				return Frame{}, err
			}
			if c.compressor != nil {
				if data, err = c.compressor.Compress(data); err != nil {
					return Frame{}, fmt.Errorf("%w: %s compress: %v", errors.ErrSerialization, c.compressor.Name(), err)
				}
			}
			return Frame{Binary: true, Data: data}, nil
		}
	}

	env := Envelope{
		ID:        msg.ID,
		Type:      msg.Type,
		Timestamp: msg.Timestamp.UnixMilli(),
		NeedsAck:  msg.NeedsAck,
	}
	if msg.Payload != nil {
		raw, err := envelopePayload(msg.Type, msg.Payload)
		if err != nil {
			return Frame{}, err
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errors.ErrSerialization, err)
	}
	return Frame{Data: data}, nil
}

// Decode 解析入站帧：确认、心跳响应或普通消息
func (c *Codec) Decode(f Frame, now time.Time) Inbound {
	if f.Binary {
		data := f.Data
		var decodeErr error
		if c.compressor != nil {
			d, err := c.compressor.Decompress(data)
			if err != nil {
				decodeErr = fmt.Errorf("%w: %s: %v", errors.ErrDecompression, c.compressor.Name(), err)
			} else {
				data = d
			}
		}
		return Inbound{Kind: InboundMessage, Err: decodeErr, Message: types.Message{
			ID:        utils.GenerateMessageID(),
			Type:      types.MessageBinary,
			Payload:   data,
			Timestamp: now,
		}}
	}

	var v any
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return Inbound{Kind: InboundMessage, Message: types.Message{
			ID:        utils.GenerateMessageID(),
			Type:      types.MessageText,
			Payload:   string(f.Data),
			Timestamp: now,
		}}
	}

	id := ""
	if obj, ok := v.(map[string]any); ok {
		if ackID, _ := obj["ackId"].(string); ackID != "" {
			reason, _ := obj["error"].(string)
			return Inbound{Kind: InboundAck, ID: ackID, Error: reason}
		}
		id, _ = obj["id"].(string)
		if t, _ := obj["type"].(string); t == string(types.MessageHeartbeat) || t == "pong" {
			return Inbound{Kind: InboundHeartbeat, ID: id}
		}
	}
	if id == "" {
		id = utils.GenerateMessageID()
	}
	return Inbound{Kind: InboundMessage, Message: types.Message{
		ID:        id,
		Type:      types.MessageJSON,
		Payload:   v,
		Timestamp: now,
	}}
}

// EncodePayload 将消息内容转换为原始字节，用于持久化
func EncodePayload(t types.MessageType, payload any) ([]byte, error) {
	switch t {
	case types.MessageText:
		return textBytes(payload), nil
	case types.MessageBinary:
		return binaryBytes(payload)
	default:
		if payload == nil {
			return nil, nil
		}
		data, err := jsonProtocol.Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrSerialization, err)
		}
		return data, nil
	}
}

// RestorePayload 将持久化的原始字节恢复为可再次编码的消息内容
func RestorePayload(t types.MessageType, data []byte) any {
	switch t {
	case types.MessageText:
		return string(data)
	case types.MessageBinary:
		return data
	default:
		if len(data) == 0 {
			return nil
		}
		return json.RawMessage(data)
	}
}

// InferType 根据数据推断消息类型
func InferType(data any) types.MessageType {
	switch data.(type) {
	case string:
		return types.MessageText
	case []byte, proto.Message:
		return types.MessageBinary
	default:
		return types.MessageJSON
	}
}

func envelopePayload(t types.MessageType, payload any) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch t {
	case types.MessageText:
		data, err = json.Marshal(string(textBytes(payload)))
	case types.MessageBinary:
		var raw []byte
		if raw, err = binaryBytes(payload); err == nil {
			data, err = json.Marshal(raw)
		}
	default:
		data, err = jsonProtocol.Encode(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSerialization, err)
	}
	return data, nil
}

func textBytes(payload any) []byte {
	switch v := payload.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	case []byte:
		return v
	case fmt.Stringer:
		return []byte(v.String())
	default:
		return []byte(fmt.Sprint(v))
	}
}

func binaryBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case proto.Message:
		data, err := protoProtocol.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrSerialization, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: binary payload must be []byte or proto.Message, got %T", errors.ErrSerialization, payload)
	}
}
