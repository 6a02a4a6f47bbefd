package vm

// Absent is the sentinel written to Set to mean "remove this key/index
// entirely" (spec.md §4.6 "applySetter(container, key, value) writes the
// value, or removes the key entirely if the value is absent").
var Absent = &struct{ absent byte }{}

func ensureContainer(v interface{}, nextKey interface{}) interface{} {
	if v != nil {
		return v
	}
	if _, isInt := nextKey.(int64); isInt {
		return []interface{}{}
	}
	return map[string]interface{}{}
}

func lookupChild(container interface{}, key interface{}) interface{} {
	switch c := container.(type) {
	case map[string]interface{}:
		k, _ := key.(string)
		return c[k]
	case []interface{}:
		idx, ok := key.(int64)
		if !ok || idx < 0 || int(idx) >= len(c) {
			return nil
		}
		return c[idx]
	}
	return nil
}

func setChild(container interface{}, key interface{}, value interface{}) interface{} {
	switch c := container.(type) {
	case map[string]interface{}:
		k, _ := key.(string)
		if value == Absent {
			delete(c, k)
		} else {
			c[k] = value
		}
		return c
	case []interface{}:
		idx, _ := key.(int64)
		if value == Absent {
			if int(idx) >= 0 && int(idx) < len(c) {
				c = append(c[:idx], c[idx+1:]...)
			}
			return c
		}
		for int64(len(c)) <= idx {
			c = append(c, nil)
		}
		c[idx] = value
		return c
	}
	return container
}

// rebuild walks path from node, materializing any missing intermediate
// container (spec.md §4.6 "ensurePath"), and calls leafApply on the
// container the path resolves to, splicing its return value back up
// through every ancestor.
func rebuild(node interface{}, path []interface{}, leafApply func(interface{}) (interface{}, error)) (interface{}, error) {
	if len(path) == 0 {
		return leafApply(node)
	}
	key := path[0]
	node = ensureContainer(node, key)
	child := lookupChild(node, key)
	newChild, err := rebuild(child, path[1:], leafApply)
	if err != nil {
		return nil, err
	}
	return setChild(node, key, newChild), nil
}
