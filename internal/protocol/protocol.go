package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// MessageProtocol 消息协议接口
type MessageProtocol interface {
	Encode(any) ([]byte, error) // 编码消息
	Decode([]byte, any) error   // 解码消息
}

// JSONProtocol JSON协议实现，proto.Message 使用 protojson
type JSONProtocol struct{}

// Encode 编码为JSON
func (j *JSONProtocol) Encode(data any) ([]byte, error) {
	if msg, ok := data.(proto.Message); ok {
		return protojson.Marshal(msg)
	}
	return json.Marshal(data)
}

// Decode 从JSON解码
func (j *JSONProtocol) Decode(bytes []byte, target any) error {
	if msg, ok := target.(proto.Message); ok {
		return protojson.Unmarshal(bytes, msg)
	}
	return json.Unmarshal(bytes, target)
}

// ProtobufProtocol Protobuf协议实现
type ProtobufProtocol struct{}

// Encode 编码为Protobuf
func (p *ProtobufProtocol) Encode(data any) ([]byte, error) {
	if msg, ok := data.(proto.Message); ok {
		return proto.Marshal(msg)
	}
	return nil, fmt.Errorf("data is not a proto.Message")
}

// Decode 从Protobuf解码
func (p *ProtobufProtocol) Decode(bytes []byte, target any) error {
	if msg, ok := target.(proto.Message); ok {
		return proto.Unmarshal(bytes, msg)
	}
	return fmt.Errorf("target is not a proto.Message")
}

var (
	jsonProtocol  = &JSONProtocol{}
	protoProtocol = &ProtobufProtocol{}
)

// DecodeProto 将二进制消息内容解码为 protobuf 消息
func DecodeProto(data []byte, target proto.Message) error {
	return protoProtocol.Decode(data, target)
}
