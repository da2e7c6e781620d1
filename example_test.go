package inboxflow_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/petrijr/inboxflow"
	"github.com/petrijr/inboxflow/internal/collab/console"
	"github.com/petrijr/inboxflow/pkg/api"
)

// Example demonstrates submitting an item that needs a reply and approving
// the drafted response.
func Example() {
	ctx := context.Background()

	gw := console.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	rules := console.DefaultRules()
	eng, err := inboxflow.NewInMemoryEngine(inboxflow.Collaborators{
		Retriever:  gw,
		Classifier: rules,
		Drafter:    rules,
		Messenger:  gw,
		Actions:    gw,
	})
	if err != nil {
		log.Fatal(err)
	}

	inst, err := eng.Submit(ctx, inboxflow.Item{
		ID:      "msg-42",
		OwnerID: "alice",
		Sender:  "bob@example.com",
		Subject: "Lunch",
		Body:    "Could you join on Friday?",
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.Status, inst.CurrentStage)

	inst, err = inboxflow.Decide(ctx, eng, inst.MessageRef, "callback-1", inboxflow.Decision{Kind: api.DecisionApprove})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.Status, inst.ActionAck)
	// Output:
	// suspended await_decision
	// completed approve:msg-42
}
