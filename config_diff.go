package modhost

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ChangeType is the kind of change made to one config field.
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeRemoved  ChangeType = "removed"
)

// FieldChange is one changed field of a module config. FieldPath uses the
// JSON names joined by dots, e.g. "endpoints.primary" or "ui.title".
type FieldChange struct {
	FieldPath  string     `json:"fieldPath"`
	ChangeType ChangeType `json:"changeType"`
	OldValue   any        `json:"oldValue,omitempty"`
	NewValue   any        `json:"newValue,omitempty"`
}

// ConfigDiff lists the field changes between two configs of one module,
// sorted by path.
type ConfigDiff struct {
	ModuleID string        `json:"moduleId"`
	Changes  []FieldChange `json:"changes"`
}

// IsEmpty reports whether the two configs are equivalent. Empty and nil
// collections compare equal.
func (d ConfigDiff) IsEmpty() bool {
	return len(d.Changes) == 0
}

// Fields returns the changed field paths.
func (d ConfigDiff) Fields() []string {
	fields := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		fields = append(fields, c.FieldPath)
	}
	return fields
}

// DiffConfigs compares two configs field by field. Structs and maps are
// walked; slices and scalars are compared as whole values.
func DiffConfigs(old, updated ModuleConfig) ConfigDiff {
	oldMap := make(map[string]any)
	newMap := make(map[string]any)
	flatten(reflect.ValueOf(old), "", oldMap)
	flatten(reflect.ValueOf(updated), "", newMap)

	diff := ConfigDiff{ModuleID: updated.ID}
	for path, oldValue := range oldMap {
		newValue, ok := newMap[path]
		switch {
		case !ok:
			diff.Changes = append(diff.Changes, FieldChange{FieldPath: path, ChangeType: ChangeTypeRemoved, OldValue: oldValue})
		case !reflect.DeepEqual(oldValue, newValue):
			diff.Changes = append(diff.Changes, FieldChange{FieldPath: path, ChangeType: ChangeTypeModified, OldValue: oldValue, NewValue: newValue})
		}
	}
	for path, newValue := range newMap {
		if _, ok := oldMap[path]; !ok {
			diff.Changes = append(diff.Changes, FieldChange{FieldPath: path, ChangeType: ChangeTypeAdded, NewValue: newValue})
		}
	}
	slices.SortFunc(diff.Changes, func(a, b FieldChange) int {
		return strings.Compare(a.FieldPath, b.FieldPath)
	})
	return diff
}

// flatten writes the non-zero leaves of v into out under dotted keys.
func flatten(v reflect.Value, prefix string, out map[string]any) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			flatten(v.Elem(), prefix, out)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			flatten(v.Field(i), join(prefix, fieldName(f)), out)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			flatten(v.MapIndex(key), join(prefix, fmt.Sprint(key.Interface())), out)
		}
	case reflect.Slice:
		if v.Len() > 0 {
			out[prefix] = v.Interface()
		}
	default:
		if !v.IsZero() {
			out[prefix] = v.Interface()
		}
	}
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
