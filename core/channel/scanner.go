package channel

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// stripComments 去掉 libconfig 的 #、// 与 /* */ 注释，字符串内部保持不变。
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '#' || (c == '/' && i+1 < len(s) && s[i+1] == '/'):
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 3
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var channelsKey = regexp.MustCompile(`\bchannels\s*[:=]\s*\(`)

// channelBlocks 找出每个 channels: ( ... ); 段落，按顺序返回其中顶层 { } 块的内容。
func channelBlocks(s string) ([]string, error) {
	var blocks []string
	locs := channelsKey.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return nil, &ConfigParseError{Reason: "no 'channels:' section found"}
	}
	searchFrom := 0
	for _, loc := range locs {
		open := loc[1] - 1
		if open < searchFrom {
			// 位于上一个 channels 段落内部（理论上不会出现），忽略
			continue
		}
		closeIdx, err := matching(s, open)
		if err != nil {
			return nil, &ConfigParseError{Reason: "unbalanced 'channels' list", Err: err}
		}
		section, err := splitGroups(s[open+1 : closeIdx])
		if err != nil {
			return nil, &ConfigParseError{Reason: "malformed 'channels' list", Err: err}
		}
		blocks = append(blocks, section...)
		searchFrom = closeIdx + 1
	}
	return blocks, nil
}

// matching 返回与 s[open] 处括号配对的位置，跳过字符串。
func matching(s string, open int) (int, error) {
	var stack []byte
	inString := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '(', '{', '[':
			stack = append(stack, c)
		case ')', '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != opener(c) {
				return 0, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, nil
			}
		}
	}
	return 0, errors.New("missing closing bracket")
}

func opener(c byte) byte {
	switch c {
	case ')':
		return '('
	case '}':
		return '{'
	default:
		return '['
	}
}

// splitGroups 把 "{...}, {...}" 拆成各个块的内容；块之间只允许空白和逗号。
func splitGroups(list string) ([]string, error) {
	var groups []string
	for i := 0; i < len(list); i++ {
		c := list[i]
		switch {
		case unicode.IsSpace(rune(c)) || c == ',':
			continue
		case c == '{':
			end, err := matching(list, i)
			if err != nil {
				return nil, err
			}
			groups = append(groups, list[i+1:end])
			i = end
		default:
			return nil, fmt.Errorf("unexpected %q between channel blocks", c)
		}
	}
	return groups, nil
}

// topLevelSettings 读取块内最外层的 name = value; 设置。嵌套的列表/组（如 outputs）
// 只做跳过，不解析。
func topLevelSettings(body string) (map[string]string, error) {
	settings := make(map[string]string)
	i := 0
	n := len(body)
	for {
		for i < n && (unicode.IsSpace(rune(body[i])) || body[i] == ';' || body[i] == ',') {
			i++
		}
		if i >= n {
			return settings, nil
		}

		start := i
		for i < n && (isIdentChar(body[i])) {
			i++
		}
		name := body[start:i]
		if name == "" {
			return nil, fmt.Errorf("expected setting name at %q", excerpt(body[start:]))
		}
		for i < n && unicode.IsSpace(rune(body[i])) {
			i++
		}
		if i >= n || (body[i] != '=' && body[i] != ':') {
			return nil, fmt.Errorf("expected '=' after %q", name)
		}
		i++
		for i < n && unicode.IsSpace(rune(body[i])) {
			i++
		}
		if i >= n {
			return nil, fmt.Errorf("missing value for %q", name)
		}

		switch body[i] {
		case '(', '{', '[':
			end, err := matching(body, i)
			if err != nil {
				return nil, fmt.Errorf("setting %q: %w", name, err)
			}
			settings[name] = body[i : end+1]
			i = end + 1
		default:
			vstart := i
			inString := false
			for i < n {
				c := body[i]
				if inString {
					if c == '\\' {
						i++
					} else if c == '"' {
						inString = false
					}
				} else if c == '"' {
					inString = true
				} else if c == ';' || c == ',' || c == '\n' {
					break
				}
				i++
			}
			if inString {
				return nil, fmt.Errorf("unterminated string in %q", name)
			}
			settings[name] = strings.TrimSpace(body[vstart:i])
		}
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' || c == '*' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func excerpt(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}

func isTrue(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if u, err := strconv.Unquote(v); err == nil {
		return u
	}
	return strings.Trim(v, `"`)
}

var quotedFreq = regexp.MustCompile(`^(\d+(?:\.\d*)?)([kKmMgG]?)$`)

// ParseFrequency 把 rtl_airband 的频率写法转换为整数 Hz：
// 无引号整数为 Hz，无引号小数为 MHz，带引号时可带 k/M/G 后缀。
func ParseFrequency(value string) (int64, error) {
	value = strings.TrimSpace(value)
	var hz float64

	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		m := quotedFreq.FindStringSubmatch(value[1 : len(value)-1])
		if m == nil {
			return 0, fmt.Errorf("invalid frequency string %s", value)
		}
		num, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, err
		}
		switch strings.ToLower(m[2]) {
		case "k":
			num *= 1e3
		case "m":
			num *= 1e6
		case "g":
			num *= 1e9
		}
		hz = num
	} else if strings.Contains(value, ".") {
		mhz, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frequency %q: %w", value, err)
		}
		hz = mhz * 1e6
	} else {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frequency %q: %w", value, err)
		}
		hz = float64(n)
	}

	rounded := int64(math.Round(hz))
	if rounded <= 0 {
		return 0, fmt.Errorf("frequency must be positive, got %q", value)
	}
	return rounded, nil
}
