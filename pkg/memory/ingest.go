package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/harun/lunar/internal/observability"
)

var inlineBlock = regexp.MustCompile(`(?s)<MEMORY>(.*?)</MEMORY>`)

// IngestInline strips every <MEMORY>…</MEMORY> block from output and returns
// the trimmed visible text. The first block is read as a JSON array of
// facts; new facts are stored for personID. Output without a block is
// returned unchanged. This never fails: unusable payloads and storage
// errors are logged.
func (s *Store) IngestInline(ctx context.Context, output, personID string) string {
	match := inlineBlock.FindStringSubmatch(output)
	if match == nil {
		return output
	}
	cleaned := strings.TrimSpace(inlineBlock.ReplaceAllString(output, ""))

	var payload []interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &payload); err != nil || payload == nil {
		reason := "not_array"
		if err != nil {
			reason = "malformed"
		}
		s.logger.Debug().Str("personId", personID).Str("reason", reason).Msg("memory ingest payload discarded")
		observability.RecordMemoryDiscarded(reason)
		return cleaned
	}

	added, err := s.addFacts(ctx, personID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("personId", personID).Msg("Failed to store inline memories")
		return cleaned
	}
	if added > 0 {
		observability.RecordMemoryIngested(added)
		observability.RecordMemoryAudit(ctx, "ingest", personID, map[string]interface{}{"added": added})
		s.logger.Info().Str("personId", personID).Int("added", added).Msg("Inline memories stored")
	}
	return cleaned
}

func (s *Store) addFacts(ctx context.Context, personID string, facts []interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	for _, m := range list {
		if m.PersonID == personID {
			known[factKey(m.Content)] = true
		}
	}

	added := 0
	for _, raw := range facts {
		fact, ok := raw.(string)
		if !ok {
			continue
		}
		fact = strings.TrimSpace(fact)
		key := factKey(fact)
		if fact == "" || known[key] {
			continue
		}
		known[key] = true
		list = append(list, s.newMemory(fact, personID, nil))
		added++
	}

	if added == 0 {
		return 0, nil
	}
	return added, s.save(ctx, list)
}

// factKey folds case and surrounding whitespace for duplicate detection.
func factKey(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}
