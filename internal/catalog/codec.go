package catalog

import (
	"fmt"

	"github.com/perchlabs/perch/internal/types"
)

// DecodeState turns a loaded document into handler-visible state for def.
// The result is built only from declared fields: unknown top-level keys are
// dropped, declared fields missing from the document take their defaults,
// and the key policy is applied to keys nested inside field values.
func DecodeState(def *Definition, doc map[string]any, policy KeyPolicy, symbols *SymbolTable) (types.State, error) {
	if policy == "" {
		policy = KeysStrings
	}
	st := make(types.State, len(def.Fields))
	for _, f := range def.Fields {
		raw, ok := doc[f.Name]
		if !ok {
			st[f.Name] = types.State{"v": f.Default}.Clone()["v"]
			continue
		}
		converted, err := convertValue(raw, policy, symbols)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		st[f.Name] = converted
	}
	return st, nil
}

// EncodeState produces the document to persist: declared fields only, the
// identity field stripped.
func EncodeState(def *Definition, st types.State) map[string]any {
	doc := make(map[string]any, len(def.Fields))
	for _, f := range def.Fields {
		if v, ok := st[f.Name]; ok {
			doc[f.Name] = v
		} else {
			doc[f.Name] = types.State{"v": f.Default}.Clone()["v"]
		}
	}
	delete(doc, IdentityField)
	return doc
}

func convertValue(v any, policy KeyPolicy, symbols *SymbolTable) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			key, err := convertKey(k, policy, symbols)
			if err != nil {
				return nil, err
			}
			ce, err := convertValue(e, policy, symbols)
			if err != nil {
				return nil, err
			}
			out[key] = ce
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ce, err := convertValue(e, policy, symbols)
			if err != nil {
				return nil, err
			}
			out[i] = ce
		}
		return out, nil
	default:
		return v, nil
	}
}

func convertKey(k string, policy KeyPolicy, symbols *SymbolTable) (string, error) {
	switch policy {
	case KeysStrings:
		return k, nil
	case KeysExistingSymbols:
		s, ok := symbols.Lookup(k)
		if !ok {
			return "", fmt.Errorf("no symbol for key %q", k)
		}
		return s, nil
	case KeysCreateSymbols:
		return symbols.Intern(k), nil
	default:
		return "", fmt.Errorf("unknown key policy %q", policy)
	}
}
