package glue

import (
	"encoding/json"
	"sort"
	"strings"
)

// translation between the public typed context shape
//
//	{ "type": "fdc3.contact", ...fields }
//
// and the multi-type storage shape kept in the backing context
//
//	{ "data": { "fdc3_fdc3&contact": { ...fields } }, "latest_fdc3_type": "fdc3&contact" }
//
// several logical payload types coexist on one channel; the storage shape is
// what makes both the "latest regardless of type" and "latest of type T"
// reads satisfiable from one document. The mapping is lossless and
// reversible.

const (
	storageDataKey       = "data"
	storageLatestTypeKey = "latest_fdc3_type"

	// context-path safe: "." separates path segments, so type keys swap it
	// out for a fixed delimiter and carry a prefix that marks them as
	// encoded type keys
	contextTypeKeyPrefix = "fdc3_"
	contextTypeSeparator = "&"
)

// the public typed context. JSON shape is flat: the type discriminant sits
// next to the payload fields.
type Context struct {
	Type   string
	Fields map[string]any
}

func (self *Context) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(self.Fields)+1)
	for key, value := range self.Fields {
		flat[key] = value
	}
	flat["type"] = self.Type
	return json.Marshal(flat)
}

func (self *Context) UnmarshalJSON(src []byte) error {
	flat := map[string]any{}
	if err := json.Unmarshal(src, &flat); err != nil {
		return err
	}
	contextType, _ := flat["type"].(string)
	delete(flat, "type")
	self.Type = contextType
	self.Fields = flat
	return nil
}

func escapeContextType(fdc3Type string) string {
	return strings.ReplaceAll(fdc3Type, ".", contextTypeSeparator)
}

func unescapeContextType(escaped string) string {
	return strings.ReplaceAll(escaped, contextTypeSeparator, ".")
}

func contextTypeKey(fdc3Type string) string {
	return contextTypeKeyPrefix + escapeContextType(fdc3Type)
}

// contextTypeFromKey reverses contextTypeKey. ok is false for storage keys
// that do not carry the encoded-type prefix.
func contextTypeFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, contextTypeKeyPrefix) {
		return "", false
	}
	return unescapeContextType(strings.TrimPrefix(key, contextTypeKeyPrefix)), true
}

// EncodeChannelContext builds the storage delta for one broadcast
func EncodeChannelContext(context *Context) map[string]any {
	fields := make(map[string]any, len(context.Fields))
	for key, value := range context.Fields {
		fields[key] = value
	}
	return map[string]any{
		storageDataKey: map[string]any{
			contextTypeKey(context.Type): fields,
		},
		storageLatestTypeKey: escapeContextType(context.Type),
	}
}

// MergeChannelContext folds one broadcast into an existing storage document,
// preserving previously-broadcast types under their own type keys
func MergeChannelContext(storage map[string]any, context *Context) map[string]any {
	data := map[string]any{}
	if existing, ok := storage[storageDataKey].(map[string]any); ok {
		for key, value := range existing {
			data[key] = value
		}
	}
	fields := make(map[string]any, len(context.Fields))
	for key, value := range context.Fields {
		fields[key] = value
	}
	data[contextTypeKey(context.Type)] = fields

	merged := make(map[string]any, len(storage)+2)
	for key, value := range storage {
		merged[key] = value
	}
	merged[storageDataKey] = data
	merged[storageLatestTypeKey] = escapeContextType(context.Type)
	return merged
}

func storageData(storage map[string]any) map[string]any {
	data, _ := storage[storageDataKey].(map[string]any)
	return data
}

// LatestContextType returns the decoded type tag of the most recent write,
// "" when the document holds no broadcast yet
func LatestContextType(storage map[string]any) string {
	escaped, _ := storage[storageLatestTypeKey].(string)
	return unescapeContextType(escaped)
}

// DecodeContextOfType answers the "latest of type T" read. nil when the
// document holds no broadcast of that type.
func DecodeContextOfType(storage map[string]any, fdc3Type string) *Context {
	data := storageData(storage)
	if data == nil {
		return nil
	}
	fields, ok := data[contextTypeKey(fdc3Type)].(map[string]any)
	if !ok {
		return nil
	}
	decoded := make(map[string]any, len(fields))
	for key, value := range fields {
		decoded[key] = value
	}
	return &Context{
		Type:   fdc3Type,
		Fields: decoded,
	}
}

// DecodeLatestContext answers the "current context" read in terms of the
// single most recently written type. nil when nothing was broadcast yet.
func DecodeLatestContext(storage map[string]any) *Context {
	latest := LatestContextType(storage)
	if latest == "" {
		return nil
	}
	return DecodeContextOfType(storage, latest)
}

// DecodeMergedContext answers the "no particular type" read: the latest
// type's fields over a base layer folded from every other type ever written
// to the document, so a late subscriber seeded only with the last-write tag
// can still recover older broadcasts. Base types fold in sorted key order;
// the latest type always shadows.
func DecodeMergedContext(storage map[string]any) *Context {
	latest := LatestContextType(storage)
	if latest == "" {
		return nil
	}
	data := storageData(storage)

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	base := map[string]any{}
	latestKey := contextTypeKey(latest)
	for _, key := range keys {
		if key == latestKey {
			continue
		}
		if _, ok := contextTypeFromKey(key); !ok {
			continue
		}
		if fields, ok := data[key].(map[string]any); ok {
			for fieldKey, value := range fields {
				base[fieldKey] = value
			}
		}
	}
	if fields, ok := data[latestKey].(map[string]any); ok {
		for fieldKey, value := range fields {
			base[fieldKey] = value
		}
	}
	return &Context{
		Type:   latest,
		Fields: base,
	}
}
