package entity

import (
	"reflect"
	"strings"
	"time"
)

// Set writes value at a dotted attribute path, creating intermediate maps.
// It returns false when nothing changed.
func (e *Entity) Set(path string, value interface{}) bool {
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	keys := strings.Split(path, ".")
	current := e.Attributes
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[key] = next
		}
		current = next
	}
	last := keys[len(keys)-1]
	if old, exists := current[last]; exists && reflect.DeepEqual(old, value) {
		return false
	}
	current[last] = value
	e.UpdatedAt = time.Now().UTC()
	return true
}

// Get reads a dotted attribute path.
func (e *Entity) Get(path string) (interface{}, bool) {
	var current interface{} = e.Attributes
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Remove deletes a dotted attribute path.
func (e *Entity) Remove(path string) bool {
	keys := strings.Split(path, ".")
	var current interface{} = e.Attributes
	for _, key := range keys[:len(keys)-1] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		if current, ok = m[key]; !ok {
			return false
		}
	}
	parent, ok := current.(map[string]interface{})
	if !ok {
		return false
	}
	last := keys[len(keys)-1]
	if _, exists := parent[last]; !exists {
		return false
	}
	delete(parent, last)
	e.UpdatedAt = time.Now().UTC()
	return true
}
