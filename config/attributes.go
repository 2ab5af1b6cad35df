// Package config resolves the loosely typed attribute maps that arrive from
// settings files and protocol `$`-commands into the typed values the core
// components need.
package config

import "fmt"

// AttributeMap is a loosely typed bag of configuration values, resolved into
// concrete settings by the component that owns them.
type AttributeMap map[string]interface{}

func (a AttributeMap) Float64(name string) (float64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (a AttributeMap) Int(name string) (int, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (a AttributeMap) Bool(name string) (bool, bool) {
	v, ok := a[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (a AttributeMap) String(name string) (string, bool) {
	v, ok := a[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// RequireFloat64 returns the named attribute or an error identifying both
// the missing field and the block/section that needed it, matching the
// descriptive-error style the control-block config resolvers use.
func RequireFloat64(a AttributeMap, owner, name string) (float64, error) {
	v, ok := a.Float64(name)
	if !ok {
		return 0, fmt.Errorf("%s needs %s field", owner, name)
	}
	return v, nil
}
