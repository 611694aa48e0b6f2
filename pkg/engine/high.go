package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Raw high data is the renderer's output: declaration ID to a body of
// state blocks. A block key is either a dotted provider path ending in
// the operation ("cloud.instance.present") or a bare resource type whose
// operation appears as a string entry in the argument list. The helpers
// here validate that shape, fold extend blocks back in, and produce the
// typed declarations the compiler consumes.

// requisiteStatementKeywords are the block keys whose values must be
// requisite lists.
var requisiteStatementKeywords = func() map[string]struct{} {
	out := make(map[string]struct{}, len(requisiteKeywords)+len(requisiteInKeywords))
	for kw := range requisiteKeywords {
		out[kw] = struct{}{}
	}
	for kw := range requisiteInKeywords {
		out[kw] = struct{}{}
	}
	return out
}()

// ReconcileExtend folds the __extend__ entries collected from extend
// blocks back into the raw high data. Each entry names a declaration that
// must already exist, either by ID or by a matching name argument.
func ReconcileExtend(raw map[string]any) []string {
	var errors []string
	extRaw, ok := raw["__extend__"]
	if !ok {
		return nil
	}
	delete(raw, "__extend__")

	entries, _ := asSlice(extRaw)
	for _, entry := range entries {
		ext, _ := asMap(entry)
		for _, id := range sortedKeys(ext) {
			body, ok := asMap(ext[id])
			if !ok {
				continue
			}
			target := id
			if _, found := raw[target]; !found {
				ids := findRawID(raw, id, firstStateKey(body))
				if len(ids) != 1 {
					errors = append(errors, fmt.Sprintf(
						"Cannot extend ID '%s' in '%s'. It is not part of the high state.\n"+
							"This is likely due to a missing include statement or an incorrectly typed ID.\n"+
							"Ensure that a state with an ID of '%s' is available in SLS '%s'",
						id, rawSLS(body), id, rawSLS(body)))
					continue
				}
				target = ids[0]
			}
			if dst, ok := asMap(raw[target]); ok {
				mergeExtendBody(dst, body)
			}
		}
	}
	return errors
}

// mergeExtendBody merges one extend body into a declaration body.
// Requisite lists are concatenated; other arguments replace the entry with
// the same key; anything unmatched is appended.
func mergeExtendBody(dst, src map[string]any) {
	for _, state := range sortedKeys(src) {
		if strings.HasPrefix(state, "__") {
			continue
		}
		srcList, _ := asSlice(src[state])
		dstList, ok := dst[state].([]any)
		if !ok {
			dst[state] = srcList
			continue
		}
		for _, arg := range srcList {
			updated := false
			for i, existing := range dstList {
				if argStr, sok := arg.(string); sok {
					if _, eok := existing.(string); eok {
						dstList[i] = argStr
						updated = true
					}
					continue
				}
				argMap, aok := asMap(arg)
				existingMap, eok := asMap(existing)
				if !aok || !eok {
					continue
				}
				argFirst := firstKey(argMap)
				if argFirst == firstKey(existingMap) {
					if _, requisite := requisiteStatementKeywords[argFirst]; requisite {
						have, _ := asSlice(existingMap[argFirst])
						add, _ := asSlice(argMap[argFirst])
						existingMap[argFirst] = append(have, add...)
					} else {
						dstList[i] = arg
					}
					updated = true
				}
				if argFirst == "name" && firstKey(existingMap) == "names" {
					dstList[i] = arg
					updated = true
				}
			}
			if !updated {
				dstList = append(dstList, arg)
			}
		}
		dst[state] = dstList
	}
}

// findRawID locates declarations whose name argument under the given
// state block equals the extend target.
func findRawID(raw map[string]any, id, stateKey string) []string {
	var out []string
	for _, declID := range sortedKeys(raw) {
		if strings.HasPrefix(declID, "__") {
			continue
		}
		body, ok := asMap(raw[declID])
		if !ok {
			continue
		}
		list, ok := body[stateKey].([]any)
		if !ok {
			continue
		}
		for _, arg := range list {
			if argMap, aok := asMap(arg); aok {
				if name, found := argMap["name"]; found && name == id {
					out = append(out, declID)
				}
			}
		}
	}
	return out
}

// VerifyHigh validates the raw high structure and returns every fault
// found. It does not mutate the input.
func VerifyHigh(raw map[string]any) []string {
	var errors []string
	for _, id := range sortedKeys(raw) {
		if strings.HasPrefix(id, "__") {
			continue
		}
		body, ok := raw[id].(map[string]any)
		if !ok {
			errors = append(errors, fmt.Sprintf(
				"The type %s in %v is not formatted as a dictionary", id, raw[id]))
			continue
		}
		sls := rawSLS(body)
		for _, state := range sortedKeys(body) {
			if strings.HasPrefix(state, "__") {
				continue
			}
			list, ok := body[state].([]any)
			if !ok {
				errors = append(errors, fmt.Sprintf(
					`State "%s" in SLS "%s" is not formed as a list`, id, sls))
				continue
			}
			funs := 0
			if strings.Contains(state, ".") {
				funs++
			}
			for _, arg := range list {
				switch v := arg.(type) {
				case string:
					funs++
					if strings.Contains(strings.TrimSpace(v), " ") {
						errors = append(errors, fmt.Sprintf(
							`The function "%s" in state "%s" in SLS "%s" has whitespace, `+
								`a function with whitespace is not supported, `+
								`perhaps this is an argument that is missing a ":"`, v, id, sls))
					}
				case map[string]any:
					errors = append(errors, verifyArgRequisites(v, id, sls)...)
				}
			}
			if funs == 0 {
				if state == "require" || state == "watch" {
					continue
				}
				errors = append(errors, fmt.Sprintf(
					`No function declared in state "%s" in SLS "%s"`, state, sls))
			} else if funs > 1 {
				errors = append(errors, fmt.Sprintf(
					`Too many functions declared in state "%s" in SLS "%s"`, state, sls))
			}
		}
	}
	return errors
}

// verifyArgRequisites checks the requisite statements in one argument
// mapping. Requisite values must be lists whose members are strings or
// single key mappings.
func verifyArgRequisites(arg map[string]any, id, sls string) []string {
	var errors []string
	for _, key := range sortedKeys(arg) {
		if _, requisite := requisiteStatementKeywords[key]; !requisite {
			continue
		}
		list, ok := arg[key].([]any)
		if !ok {
			errors = append(errors, fmt.Sprintf(
				`The %s statement in state "%s" in SLS "%s" needs to be formed as a list`,
				key, id, sls))
			continue
		}
		for _, req := range list {
			switch rv := req.(type) {
			case string:
				continue
			case map[string]any:
				if len(rv) != 1 {
					errors = append(errors, fmt.Sprintf(
						"Requisite declaration %v in SLS %s is not formed as a single key dictionary",
						rv, sls))
					continue
				}
				for _, target := range rv {
					switch target.(type) {
					case string, []any:
					default:
						errors = append(errors, fmt.Sprintf(
							`Illegal requisite "%v", in SLS %s`, target, sls))
					}
				}
			default:
				errors = append(errors, fmt.Sprintf(
					"Requisite declaration %v in SLS %s is not formed as a single key dictionary",
					req, sls))
			}
		}
	}
	return errors
}

// NormalizeHigh converts raw high data into typed declarations. The order
// slice lists declaration IDs in document order and drives ingestion
// order; IDs missing from it sort last alphabetically.
func NormalizeHigh(raw map[string]any, order []string) (HighData, []string) {
	errors := VerifyHigh(raw)
	high := make(HighData)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	ids := sortedKeys(raw)
	sort.SliceStable(ids, func(i, j int) bool {
		pi, iok := position[ids[i]]
		pj, jok := position[ids[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		case jok:
			return false
		default:
			return ids[i] < ids[j]
		}
	})

	iorder := IOrderBase
	for _, id := range ids {
		if strings.HasPrefix(id, "__") {
			continue
		}
		body, ok := raw[id].(map[string]any)
		if !ok {
			continue
		}
		decl := &Declaration{
			ID:     id,
			SLS:    rawSLS(body),
			IOrder: iorder,
			States: make(map[string]map[string][]map[string]any),
		}
		iorder++
		for _, key := range sortedKeys(body) {
			if strings.HasPrefix(key, "__") {
				continue
			}
			list, ok := body[key].([]any)
			if !ok {
				continue
			}
			state, fun, args := splitStateBlock(key, list)
			if state == "" || fun == "" {
				continue
			}
			if decl.States[state] == nil {
				decl.States[state] = make(map[string][]map[string]any)
			}
			decl.States[state][fun] = append(decl.States[state][fun], args...)
		}
		if len(decl.States) > 0 {
			high[id] = decl
		}
	}
	return high, errors
}

// splitStateBlock resolves one block key and argument list into a resource
// type, an operation, and the argument mappings. A dotted key carries the
// operation as its last segment; otherwise the operation must appear as a
// bare string in the list. Shape faults were already reported by
// VerifyHigh, so unresolvable blocks simply yield an empty operation.
func splitStateBlock(key string, list []any) (state, fun string, args []map[string]any) {
	var funs []string
	for _, arg := range list {
		switch v := arg.(type) {
		case string:
			funs = append(funs, v)
		case map[string]any:
			args = append(args, v)
		}
	}

	dot := strings.LastIndex(key, ".")
	switch {
	case len(funs) == 0 && dot > 0:
		state, fun = key[:dot], key[dot+1:]
	case len(funs) == 1 && dot < 0:
		state, fun = key, funs[0]
	}
	return state, fun, args
}

func rawSLS(body map[string]any) string {
	if s, ok := body["__sls__"].(string); ok {
		return s
	}
	return ""
}

func firstKey(m map[string]any) string {
	keys := sortedKeys(m)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// firstStateKey returns the first block key that is not metadata.
func firstStateKey(body map[string]any) string {
	for _, key := range sortedKeys(body) {
		if !strings.HasPrefix(key, "__") {
			return key
		}
	}
	return ""
}
