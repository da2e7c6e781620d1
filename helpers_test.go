package inboxflow

import (
	"io"
	"log/slog"

	"github.com/petrijr/inboxflow/internal/collab/console"
)

func quietCollaborators() Collaborators {
	g := console.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := console.DefaultRules()
	return Collaborators{
		Retriever:  g,
		Classifier: r,
		Drafter:    r,
		Messenger:  g,
		Actions:    g,
		Notifier:   g,
	}
}

func question(id string) Item {
	return Item{ID: id, OwnerID: "owner-1", Sender: "bob@example.com", Subject: "Lunch", Body: "Could you join on Friday?"}
}

func newsletter(id string) Item {
	return Item{ID: id, OwnerID: "owner-1", Sender: "news@shop.example", Subject: "Weekly newsletter"}
}
