package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
)

const recallLimit = 10

type rememberArgs struct {
	Content  string   `json:"content" jsonschema:"description=The fact to remember"`
	PersonID string   `json:"personId,omitempty" jsonschema:"description=Who the fact is about. Defaults to the current counterpart"`
	Tags     []string `json:"tags,omitempty"`
}

type recallArgs struct {
	Query    string `json:"query" jsonschema:"description=Keywords to search for"`
	PersonID string `json:"personId,omitempty" jsonschema:"description=Whose memories to search. Defaults to the current counterpart"`
}

// requester is the person a capability acts for. Turns carry their
// resolved counterpart; a turn with an unknown counterpart acts for nobody.
// Scheduled jobs act for the owner.
func requester(ctx context.Context) (string, bool) {
	if id := tracing.GetPersonID(ctx); id != "" {
		return id, true
	}
	if tracing.GetConversationKey(ctx) != "" {
		return "", false
	}
	return people.Owner, true
}

func remember(store *memory.Store) capability.Capability {
	return capability.New("remember", "Store a short fact about a person for later conversations.",
		func(ctx context.Context, in rememberArgs) (interface{}, error) {
			content := strings.TrimSpace(in.Content)
			if content == "" {
				return "Error: content is empty.", nil
			}
			personID := in.PersonID
			if personID == "" {
				who, ok := requester(ctx)
				if !ok {
					return "Error: I don't know who you are, so personId is required.", nil
				}
				personID = who
			}
			m, err := store.Add(ctx, content, personID, in.Tags)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Memory saved (ID: %s).", m.ID), nil
		})
}

func recall(store *memory.Store) capability.Capability {
	return capability.New("recall", "Search remembered facts about a person by keywords.",
		func(ctx context.Context, in recallArgs) (interface{}, error) {
			who, ok := requester(ctx)
			if !ok {
				return "No memories found.", nil
			}
			personID := in.PersonID
			if personID == "" {
				personID = who
			}
			list, err := store.SearchAccessible(ctx, personID, who, in.Query, recallLimit)
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return "No memories found.", nil
			}
			var b strings.Builder
			for _, m := range list {
				fmt.Fprintf(&b, "- %s\n", m.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		})
}
