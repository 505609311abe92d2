package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/pkg/people"
)

const (
	contextSearchHits = 3
	contextOwnerView  = 5
	contextRecent     = 5
)

// Search ranks personID's memories by how many distinct query words they
// contain. Memories with no matching word are dropped; ties keep insertion
// order.
func (s *Store) Search(ctx context.Context, personID, query string, limit int) ([]Memory, error) {
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	list, err := s.List(ctx, personID, 0)
	if err != nil {
		return nil, err
	}
	return rank(list, query, limit), nil
}

// SearchAccessible is Search restricted to what requesterID may read about
// ownerID.
func (s *Store) SearchAccessible(ctx context.Context, ownerID, requesterID, query string, limit int) ([]Memory, error) {
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	list, err := s.AccessibleTo(ctx, ownerID, requesterID, 0)
	if err != nil {
		return nil, err
	}
	return rank(list, query, limit), nil
}

func rank(list []Memory, query string, limit int) []Memory {
	terms := tokens(query)
	if len(terms) == 0 {
		return []Memory{}
	}

	type scored struct {
		m     Memory
		score int
	}
	hits := make([]scored, 0, len(list))
	for _, m := range list {
		content := strings.ToLower(m.Content)
		score := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{m: m, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]Memory, 0, len(hits))
	for _, h := range hits {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h.m)
	}
	return out
}

// tokens returns distinct lower-case words of s.
func tokens(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.Fields(strings.ToLower(s)) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// ContextBlock renders what the agent should know before answering personID:
// the people directory and the relevant memories about that person. It
// returns an empty string when there is nothing to say. Failures are
// logged, never returned.
func (s *Store) ContextBlock(ctx context.Context, personID, query string) string {
	var b strings.Builder

	directory, err := s.people.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list people for context")
	}
	if len(directory) > 0 {
		b.WriteString("\nKNOWN PEOPLE:\n")
		for _, p := range directory {
			fmt.Fprintf(&b, "- %s (%s)", p.Name, p.Relation)
			if p.ChannelAddress != "" {
				fmt.Fprintf(&b, " [%s]", p.ChannelAddress)
			}
			b.WriteString("\n")
		}
	}

	memories := s.contextMemories(ctx, personID, query)
	if len(memories) > 0 {
		b.WriteString("\nMEMORY (things you remember about this person):\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	return b.String()
}

func (s *Store) contextMemories(ctx context.Context, personID, query string) []Memory {
	var groups [][]Memory

	own, err := s.AccessibleTo(ctx, personID, personID, 0)
	if err != nil {
		s.logger.Warn().Err(err).Str("personId", personID).Msg("Failed to load memories for context")
		return nil
	}
	groups = append(groups, rank(own, query, contextSearchHits))

	if personID != people.Owner {
		ownerView, err := s.AccessibleTo(ctx, personID, people.Owner, contextOwnerView)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to load owner view for context")
		} else {
			groups = append(groups, ownerView)
		}
	}

	groups = append(groups, tail(own, contextRecent))

	seen := make(map[string]bool)
	var out []Memory
	for _, g := range groups {
		for _, m := range g {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}
