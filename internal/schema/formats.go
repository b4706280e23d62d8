package schema

import (
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

var semanticID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// eventIDFormatChecker accepts UUIDs.
type eventIDFormatChecker struct{}

func (eventIDFormatChecker) IsFormat(input interface{}) bool {
	s, ok := input.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// entityIDFormatChecker accepts UUIDs and semantic IDs.
type entityIDFormatChecker struct{}

func (entityIDFormatChecker) IsFormat(input interface{}) bool {
	s, ok := input.(string)
	if !ok || s == "" {
		return false
	}
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	return semanticID.MatchString(s)
}

var registerOnce sync.Once

// RegisterCustomFormats registers event_id and entity_id formats once.
func RegisterCustomFormats() {
	registerOnce.Do(func() {
		gojsonschema.FormatCheckers.Add("event_id", eventIDFormatChecker{})
		gojsonschema.FormatCheckers.Add("entity_id", entityIDFormatChecker{})
	})
}
