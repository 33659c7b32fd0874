package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// decodeExact parses data into val and requires every byte to be consumed.
// Any failure, including a panic inside the decoder on hostile input, comes
// back as a ValidationError.
func decodeExact(data []byte, val interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = validationErr("mls.codec: Malformed input: %v", r)
		}
	}()

	read, err := syntax.Unmarshal(data, val)
	if err != nil {
		return validationErr("mls.codec: %v", err)
	}

	if read != len(data) {
		return validationErr("mls.codec: %d trailing bytes", len(data)-read)
	}

	return nil
}

func encode(val interface{}) ([]byte, error) {
	data, err := syntax.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("mls.codec: %w", err)
	}
	return data, nil
}

func encodeMessage(msg MLSMessage) ([]byte, error) {
	msg.Version = ProtocolVersionMLS10
	return encode(msg)
}

// DecodeMessage parses a complete MLSMessage envelope.
func DecodeMessage(data []byte) (*MLSMessage, error) {
	msg := new(MLSMessage)
	if err := decodeExact(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeKeyPackage accepts either a bare KeyPackage or one wrapped in an
// MLSMessage envelope.
func DecodeKeyPackage(data []byte) (*KeyPackage, error) {
	msg := new(MLSMessage)
	if err := decodeExact(data, msg); err == nil {
		if msg.KeyPackage == nil {
			return nil, validationErr("mls.codec: Expected key package, got %v", msg.WireFormat())
		}
		return msg.KeyPackage, nil
	}

	kp := new(KeyPackage)
	if err := decodeExact(data, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func DecodeWelcome(data []byte) (*Welcome, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}

	if msg.Welcome == nil {
		return nil, validationErr("mls.codec: Expected welcome, got %v", msg.WireFormat())
	}
	return msg.Welcome, nil
}

func DecodeRatchetTree(suite CipherSuite, data []byte) (*RatchetTree, error) {
	tree := new(RatchetTree)
	if err := decodeExact(data, tree); err != nil {
		return nil, err
	}

	tree.Suite = suite
	if err := tree.validate(); err != nil {
		return nil, err
	}
	return tree, nil
}
