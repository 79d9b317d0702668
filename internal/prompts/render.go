package prompts

import "strings"

// Render substitutes {name} placeholders with vars. Doubled braces ({{ and
// }}) are literal braces, so JSON examples inside prompts survive rendering.
// Placeholders without a value are left untouched.
func Render(tpl string, vars map[string]string) string {
	var sb strings.Builder
	sb.Grow(len(tpl))

	for i := 0; i < len(tpl); i++ {
		c := tpl[i]
		switch {
		case c == '{' && i+1 < len(tpl) && tpl[i+1] == '{':
			sb.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tpl) && tpl[i+1] == '}':
			sb.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				sb.WriteString(tpl[i:])
				return sb.String()
			}
			key := tpl[i+1 : i+1+end]
			if v, ok := vars[key]; ok && isIdent(key) {
				sb.WriteString(v)
			} else {
				sb.WriteString(tpl[i : i+end+2])
			}
			i += end + 1
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
