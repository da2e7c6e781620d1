package persistence

import (
	"testing"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

func TestEncodeState_DropsLease(t *testing.T) {
	inst := &api.WorkflowInstance{
		ID:             "i1",
		Status:         api.StatusActive,
		CurrentStage:   api.StageClassify,
		Context:        &api.RetrievedContext{History: []string{"earlier mail"}},
		LeaseOwner:     "worker-1",
		LeaseExpiresAt: time.Now().Add(time.Minute),
	}

	data, err := encodeState(inst)
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	got, err := decodeState(data)
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}

	if got.LeaseOwner != "" || !got.LeaseExpiresAt.IsZero() {
		t.Fatalf("expected lease fields to be dropped, got %q %v", got.LeaseOwner, got.LeaseExpiresAt)
	}
	if got.Context == nil || len(got.Context.History) != 1 {
		t.Fatalf("expected retrieved context to survive, got %+v", got.Context)
	}
	if inst.LeaseOwner != "worker-1" {
		t.Fatalf("encodeState must not modify its argument")
	}
}

func TestDecodeState_EmptyPayload(t *testing.T) {
	if _, err := decodeState(nil); err != ErrInstanceNotFound {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDecodeValue_ZeroForEmpty(t *testing.T) {
	v, err := DecodeValue[int](nil)
	if err != nil || v != 0 {
		t.Fatalf("expected zero value, got %d, %v", v, err)
	}
}
