package entity

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

// Controller is the write side of a coordinator.
type Controller interface {
	ApplySetting(ctx context.Context, s core.Setting, v core.SettingValue) error
	PressButton(ctx context.Context, b core.Button) error
}

func findSwitch(key string) (SwitchDescription, bool) {
	return lo.Find(Switches, func(d SwitchDescription) bool { return d.Key == key })
}

func findNumber(key string) (NumberDescription, bool) {
	return lo.Find(Numbers, func(d NumberDescription) bool { return d.Key == key })
}

func findButton(b core.Button) (ButtonDescription, bool) {
	return lo.Find(Buttons, func(d ButtonDescription) bool { return d.Button == b })
}

// resolveKey maps an entity key or any accepted setting name onto an
// entity key.
func resolveKey(name string) string {
	name = strings.TrimSpace(name)
	if s, err := core.ParseSetting(name); err == nil {
		return s.Key()
	}
	return name
}

func SetSwitch(ctx context.Context, ctrl Controller, key string, on bool) error {
	d, ok := findSwitch(resolveKey(key))
	if !ok {
		return &core.ScopeViolationError{Name: key}
	}
	return ctrl.ApplySetting(ctx, d.Setting, core.Bool(on))
}

// SetNumber enforces the entity range before anything reaches the
// coordinator. Fractional values are rejected.
func SetNumber(ctx context.Context, ctrl Controller, key string, value float64) error {
	d, ok := findNumber(resolveKey(key))
	if !ok {
		return &core.ScopeViolationError{Name: key}
	}
	if value != math.Trunc(value) {
		return &core.ValidationError{Field: d.Setting.Field(), Reason: fmt.Sprintf("%v is not a whole number", value)}
	}
	if value < float64(d.Min) || value > float64(d.Max) {
		return &core.ValidationError{Field: d.Setting.Field(), Reason: fmt.Sprintf("%v is outside %d..%d", value, d.Min, d.Max)}
	}
	return ctrl.ApplySetting(ctx, d.Setting, core.Int(int(value)))
}

func Press(ctx context.Context, ctrl Controller, key string) error {
	b, err := core.ParseButton(key)
	if err != nil {
		return err
	}
	d, ok := findButton(b)
	if !ok {
		return &core.ScopeViolationError{Name: key}
	}
	return ctrl.PressButton(ctx, d.Button)
}

// Apply writes raw text to a switch or number entity, as a CLI or HTTP
// caller would supply it.
func Apply(ctx context.Context, ctrl Controller, key, raw string) error {
	resolved := resolveKey(key)
	if d, ok := findSwitch(resolved); ok {
		v, err := core.ParseSettingValue(d.Setting, raw)
		if err != nil {
			return err
		}
		return SetSwitch(ctx, ctrl, d.Key, v.BoolValue())
	}
	if d, ok := findNumber(resolved); ok {
		n, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(raw), `"`), 64)
		if err != nil {
			return &core.ValidationError{Field: d.Setting.Field(), Reason: fmt.Sprintf("%q is not a number", raw)}
		}
		return SetNumber(ctx, ctrl, d.Key, n)
	}
	return &core.ScopeViolationError{Name: key}
}
