package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

// EncodeValue serializes a value using encoding/gob.
// Callers must ensure that values are gob-encodable.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload produced by EncodeValue into T.
// An empty payload decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// encodeState serializes the checkpointed part of an instance. Lease fields
// live outside the checkpoint and are dropped.
func encodeState(inst *api.WorkflowInstance) ([]byte, error) {
	c := *inst
	c.LeaseOwner = ""
	c.LeaseExpiresAt = time.Time{}
	data, err := EncodeValue(&c)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	return data, nil
}

func decodeState(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	inst, err := DecodeValue[api.WorkflowInstance](data)
	if err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}
