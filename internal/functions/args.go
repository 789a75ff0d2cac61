package functions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Kind 是参数在 JSON Schema 中的类型。
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
)

// Param 描述函数的一个参数。
type Param struct {
	Name        string
	Kind        Kind
	Description string
	Required    bool
	// TokenTable 为真时在说明后追加当前链的代币表。
	TokenTable bool
	Minimum    *int64
	Maximum    *int64
	Default    any
}

// Args 是校验并规范化后的参数。数字统一保存为十进制字符串。
type Args map[string]any

// String 返回字符串参数，缺省时返回空串。
func (a Args) String(name string) string {
	value, _ := a[name].(string)
	return value
}

// Bool 返回布尔参数。
func (a Args) Bool(name string) bool {
	value, _ := a[name].(bool)
	return value
}

// Int 返回整数参数。
func (a Args) Int(name string) int {
	value, _ := a[name].(int64)
	return int(value)
}

// decodeArgs 使用 UseNumber 解析参数，避免金额在 float64 中丢失精度。
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	// 部分模型会把参数对象再编码成字符串。
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return map[string]any{}, nil
		}
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	args := map[string]any{}
	if err := decoder.Decode(&args); err != nil {
		return nil, err
	}
	return args, nil
}

// bind 按参数声明校验原始参数并填充默认值。
func bind(params []Param, raw map[string]any) (Args, error) {
	args := make(Args, len(params))
	for _, param := range params {
		value, present := raw[param.Name]
		if present && value == nil {
			present = false
		}
		if s, ok := value.(string); present && ok && strings.TrimSpace(s) == "" && param.Kind != KindString {
			present = false
		}
		if !present {
			if param.Required {
				return nil, fmt.Errorf("missing required argument %q", param.Name)
			}
			if param.Default != nil {
				args[param.Name] = param.Default
			}
			continue
		}
		converted, err := convert(param, value)
		if err != nil {
			return nil, err
		}
		args[param.Name] = converted
	}
	return args, nil
}

func convert(param Param, value any) (any, error) {
	switch param.Kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a string", param.Name)
		}
		s = strings.TrimSpace(s)
		if s == "" && param.Required {
			return nil, fmt.Errorf("missing required argument %q", param.Name)
		}
		return s, nil
	case KindNumber:
		text, ok := numberText(value)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a number", param.Name)
		}
		if _, ok := new(big.Rat).SetString(text); !ok {
			return nil, fmt.Errorf("argument %q must be a number", param.Name)
		}
		return text, nil
	case KindInteger:
		text, ok := numberText(value)
		if !ok {
			return nil, fmt.Errorf("argument %q must be an integer", param.Name)
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			// 模型有时会给出 20.0 这样的写法。
			f, ferr := strconv.ParseFloat(text, 64)
			if ferr != nil || f != float64(int64(f)) {
				return nil, fmt.Errorf("argument %q must be an integer", param.Name)
			}
			n = int64(f)
		}
		if param.Minimum != nil && n < *param.Minimum {
			return nil, fmt.Errorf("argument %q must be at least %d", param.Name, *param.Minimum)
		}
		if param.Maximum != nil && n > *param.Maximum {
			return nil, fmt.Errorf("argument %q must be at most %d", param.Name, *param.Maximum)
		}
		return n, nil
	case KindBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("argument %q must be a boolean", param.Name)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("argument %q must be a boolean", param.Name)
		}
	default:
		return nil, fmt.Errorf("argument %q has unsupported kind %s", param.Name, param.Kind)
	}
}

func numberText(value any) (string, bool) {
	switch v := value.(type) {
	case json.Number:
		return v.String(), true
	case string:
		return strings.TrimSpace(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}

// schema 生成参数对象的 JSON Schema。
func schema(params []Param, tokens string) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, param := range params {
		description := param.Description
		if param.TokenTable && tokens != "" {
			description += ". Symbol to token mapping: " + tokens
		}
		prop := map[string]any{
			"type":        string(param.Kind),
			"description": description,
		}
		if param.Minimum != nil {
			prop["minimum"] = *param.Minimum
		}
		if param.Maximum != nil {
			prop["maximum"] = *param.Maximum
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}
