package reconcile

import "polarsync/internal/types"

// MergeMetadata combines metadata layers into a single map. Later layers
// win on key conflicts; the merge order is a contract:
//
//	stored < incoming-nested < incoming-top-level < synthetic tags
//
// Nil layers are skipped. The inputs are never mutated; the result is a
// fresh map (nil when every layer is nil, so an absent column stays NULL).
func MergeMetadata(layers ...types.Metadata) types.Metadata {
	var out types.Metadata
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if out == nil {
			out = make(types.Metadata, len(layer))
		}
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// webhookTypeTag builds the synthetic tag layer recording which event type
// last touched the entity.
func webhookTypeTag(eventType string) types.Metadata {
	return types.Metadata{"webhookType": eventType}
}

// asMetadata converts a decoded JSON value to a metadata layer, returning
// nil for anything that is not an object.
func asMetadata(v any) types.Metadata {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return types.Metadata(m)
}
