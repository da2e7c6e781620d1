package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/petrijr/inboxflow/pkg/api"
)

// Rules classifies items by keyword and drafts a fixed acknowledgement.
// It stands in for a model when none is configured.
type Rules struct {
	// Bulk marks senders or subjects that never need a reply.
	Bulk []string
	// Questions marks text that asks for a reply.
	Questions []string
}

var (
	_ api.Classifier     = Rules{}
	_ api.DraftGenerator = Rules{}
)

// DefaultRules returns a small English rule set.
func DefaultRules() Rules {
	return Rules{
		Bulk:      []string{"noreply", "no-reply", "newsletter", "unsubscribe", "notification"},
		Questions: []string{"?", "please", "could you", "can you", "let me know"},
	}
}

func (r Rules) Classify(ctx context.Context, item api.Item) (api.ClassificationResult, error) {
	text := strings.ToLower(item.Sender + " " + item.Subject + " " + item.Body)
	for _, b := range r.Bulk {
		if strings.Contains(text, b) {
			return api.ClassificationResult{Category: "bulk", Priority: "low"}, nil
		}
	}
	for _, q := range r.Questions {
		if strings.Contains(text, q) {
			return api.ClassificationResult{NeedsResponse: true, Category: "inbox", Priority: "normal"}, nil
		}
	}
	return api.ClassificationResult{Category: "inbox", Priority: "low"}, nil
}

func (r Rules) Generate(ctx context.Context, req api.DraftRequest) (string, error) {
	name := req.Item.Sender
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s,\n\nThanks for your message about %q. I will get back to you shortly.", name, req.Item.Subject), nil
}
