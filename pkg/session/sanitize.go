package session

import (
	"regexp"
	"strings"
)

// retryPatterns match the user-message side of a validation-retry pair
// the registry strips before any reuse (§4.6): a prior check telling the
// model its last response didn't parse, and the corrective reply that
// followed it carry no useful signal into the next check's history.
var retryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)CRITICAL JSON ERROR`),
	regexp.MustCompile(`(?i)Your previous response was not valid JSON`),
	regexp.MustCompile(`(?i)URGENT.*JSON PARSING FAILED`),
	regexp.MustCompile(`(?i)You returned a JSON schema definition instead of data`),
}

// fencedJSONBlock matches a trailing ```json ... ``` fenced block.
var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*.*?\\s*```\\s*$")

// trailingJSONValue matches a trailing well-formed {...} or [...] value
// at the very end of a message (greedy from the last opening brace/bracket
// through end of string), used when the JSON wasn't fenced.
var trailingJSONValue = regexp.MustCompile(`(?s)[\{\[][^{}\[\]]*(?:[\{\[][^{}\[\]]*[\}\]][^{}\[\]]*)*[\}\]]\s*$`)

// Sanitize returns messages with every retry/validation user-assistant
// pair removed and the trailing JSON block stripped from the final
// assistant message (§4.6), leaving the input slice untouched.
func Sanitize(messages []Message) []Message {
	cleaned := removeRetryPairs(messages)
	return stripTrailingJSON(cleaned)
}

func removeRetryPairs(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg.Role == "user" && isRetryMessage(msg.Content) {
			// Skip this user message and, if present, the assistant
			// reply that immediately follows it.
			i++
			if i < len(messages) && messages[i].Role == "assistant" {
				i++
			}
			continue
		}
		out = append(out, msg)
		i++
	}
	return out
}

func isRetryMessage(content string) bool {
	for _, p := range retryPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

func stripTrailingJSON(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	last := len(messages) - 1
	if messages[last].Role != "assistant" {
		return messages
	}

	content := messages[last].Content
	if fencedJSONBlock.MatchString(content) {
		content = strings.TrimRight(fencedJSONBlock.ReplaceAllString(content, ""), "\n\r\t ")
	} else if trailingJSONValue.MatchString(content) {
		content = strings.TrimRight(trailingJSONValue.ReplaceAllString(content, ""), "\n\r\t ")
	}

	out := append([]Message(nil), messages...)
	out[last] = Message{Role: messages[last].Role, Content: content, Timestamp: messages[last].Timestamp}
	return out
}
