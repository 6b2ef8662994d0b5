package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Setting is one of the runtime settings the management API lets us change.
// The zero value is not a valid setting; values only come from the
// constants below or from ParseSetting.
type Setting int

const (
	SettingDebug Setting = iota + 1
	SettingLoggingToFile
	SettingUsageStatisticsEnabled
	SettingRequestLog
	SettingWSAuth
	SettingSwitchProject
	SettingSwitchPreviewModel
	SettingRequestRetry
	SettingMaxRetryInterval
)

type SettingKind int

const (
	KindBool SettingKind = iota + 1
	KindInt
)

func (k SettingKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	default:
		return "unknown"
	}
}

type settingSpec struct {
	key      string // snake_case entity key
	field    string // response field and canonical wire name
	endpoint string // path below the management base
	aliases  []string
	kind     SettingKind
}

var settingSpecs = map[Setting]settingSpec{
	SettingDebug:                  {key: "debug", field: "debug", endpoint: "/debug", kind: KindBool},
	SettingLoggingToFile:          {key: "logging_to_file", field: "logging-to-file", endpoint: "/logging-to-file", kind: KindBool},
	SettingUsageStatisticsEnabled: {key: "usage_statistics_enabled", field: "usage-statistics-enabled", endpoint: "/usage-statistics-enabled", aliases: []string{"usage-stats-enabled"}, kind: KindBool},
	SettingRequestLog:             {key: "request_log", field: "request-log", endpoint: "/request-log", kind: KindBool},
	SettingWSAuth:                 {key: "ws_auth", field: "ws-auth", endpoint: "/ws-auth", kind: KindBool},
	SettingSwitchProject:          {key: "switch_project", field: "switch-project", endpoint: "/quota-exceeded/switch-project", aliases: []string{"quota-switch-project", "quota-exceeded/switch-project"}, kind: KindBool},
	SettingSwitchPreviewModel:     {key: "switch_preview_model", field: "switch-preview-model", endpoint: "/quota-exceeded/switch-preview-model", aliases: []string{"quota-switch-preview-model", "quota-exceeded/switch-preview-model"}, kind: KindBool},
	SettingRequestRetry:           {key: "request_retry", field: "request-retry", endpoint: "/request-retry", kind: KindInt},
	SettingMaxRetryInterval:       {key: "max_retry_interval", field: "max-retry-interval", endpoint: "/max-retry-interval", kind: KindInt},
}

var settingsByName = func() map[string]Setting {
	out := make(map[string]Setting, len(settingSpecs)*3)
	for s, spec := range settingSpecs {
		out[spec.key] = s
		out[spec.field] = s
		for _, alias := range spec.aliases {
			out[alias] = s
		}
	}
	return out
}()

// AllSettings lists every writable setting, toggles first.
func AllSettings() []Setting {
	return []Setting{
		SettingDebug,
		SettingLoggingToFile,
		SettingUsageStatisticsEnabled,
		SettingRequestLog,
		SettingWSAuth,
		SettingSwitchProject,
		SettingSwitchPreviewModel,
		SettingRequestRetry,
		SettingMaxRetryInterval,
	}
}

// ParseSetting resolves an entity key, wire name or documented alias. Names
// are matched exactly; anything else is a scope violation.
func ParseSetting(name string) (Setting, error) {
	if s, ok := settingsByName[strings.TrimSpace(name)]; ok {
		return s, nil
	}
	return 0, &ScopeViolationError{Name: name}
}

func (s Setting) Valid() bool {
	_, ok := settingSpecs[s]
	return ok
}

func (s Setting) String() string {
	if spec, ok := settingSpecs[s]; ok {
		return spec.key
	}
	return fmt.Sprintf("Setting(%d)", int(s))
}

func (s Setting) Key() string { return settingSpecs[s].key }
func (s Setting) Field() string { return settingSpecs[s].field }
func (s Setting) Endpoint() string { return settingSpecs[s].endpoint }
func (s Setting) Kind() SettingKind { return settingSpecs[s].kind }

func (s Setting) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, &ScopeViolationError{Name: s.String()}
	}
	return []byte(s.Key()), nil
}

func (s *Setting) UnmarshalText(text []byte) error {
	parsed, err := ParseSetting(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Check validates a value before it is sent for this setting.
func (s Setting) Check(v SettingValue) error {
	if !s.Valid() {
		return &ScopeViolationError{Name: s.String()}
	}
	if v.kind != s.Kind() {
		return &ValidationError{Field: s.Field(), Reason: fmt.Sprintf("expected %s value, got %s", s.Kind(), v.kind)}
	}
	if v.kind == KindInt && v.n < 0 {
		return &ValidationError{Field: s.Field(), Reason: fmt.Sprintf("value %d must be >= 0", v.n)}
	}
	return nil
}

// SettingValue is a bool or an int, tagged with its kind.
type SettingValue struct {
	kind SettingKind
	b    bool
	n    int
}

func Bool(v bool) SettingValue { return SettingValue{kind: KindBool, b: v} }
func Int(v int) SettingValue { return SettingValue{kind: KindInt, n: v} }

func (v SettingValue) Kind() SettingKind { return v.kind }
func (v SettingValue) BoolValue() bool { return v.b }
func (v SettingValue) IntValue() int { return v.n }

// Wire returns the JSON-encodable payload value.
func (v SettingValue) Wire() any {
	if v.kind == KindInt {
		return v.n
	}
	return v.b
}

func (v SettingValue) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.Itoa(v.n)
	default:
		return "<unset>"
	}
}

// ParseSettingValue parses raw text (CLI argument or a JSON scalar) into a
// value of the setting's kind.
func ParseSettingValue(s Setting, raw string) (SettingValue, error) {
	if !s.Valid() {
		return SettingValue{}, &ScopeViolationError{Name: s.String()}
	}
	text := strings.Trim(strings.TrimSpace(raw), `"`)
	switch s.Kind() {
	case KindBool:
		switch strings.ToLower(text) {
		case "true", "on", "1", "yes":
			return Bool(true), nil
		case "false", "off", "0", "no":
			return Bool(false), nil
		}
		return SettingValue{}, &ValidationError{Field: s.Field(), Reason: fmt.Sprintf("%q is not a boolean", raw)}
	default:
		n, err := strconv.Atoi(text)
		if err != nil {
			return SettingValue{}, &ValidationError{Field: s.Field(), Reason: fmt.Sprintf("%q is not an integer", raw)}
		}
		v := Int(n)
		if err := s.Check(v); err != nil {
			return SettingValue{}, err
		}
		return v, nil
	}
}
