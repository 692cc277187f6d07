package v2

import (
	"fmt"
	"strings"
	"unicode"
)

// parseForwardedHeader parses the value of the Forwarded header (RFC 7239)
// and returns the parameter pairs of its first element together with the
// rest of the header's value, following the first comma. Parameter names
// are lowercased; quoted values are unquoted. Only the syntax of the first
// element is validated.
func parseForwardedHeader(forwarded string) (map[string]string, string, error) {
	// Following are states of forwarded header parser. Any state could
	// transition to a failure.
	const (
		// terminating state; can transition to Parameter
		stateElement = iota
		// terminating state; can transition to KeyValueDelimiter
		stateParameter
		// can transition to Value
		stateKeyValueDelimiter
		// can transition to one of the terminating states
		stateValue
		// terminating state; can transition to ParameterDelimiter
		stateQuotedValue
		// can transition to Parameter
		stateParameterDelimiter
	)

	var (
		parameter  string
		value      string
		state      = stateElement
		parameters = map[string]string{}
	)

	runes := []rune(forwarded)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch state {
		case stateElement, stateParameterDelimiter:
			switch {
			case unicode.IsSpace(r):
			case r == ',' && state == stateElement && len(parameters) > 0:
				return parameters, string(runes[i+1:]), nil
			case isTokenRune(r):
				parameter = string(r)
				state = stateParameter
			default:
				return nil, "", fmt.Errorf("unexpected character %q at position %d", r, i)
			}

		case stateParameter:
			switch {
			case isTokenRune(r):
				parameter += string(r)
			case r == '=':
				state = stateKeyValueDelimiter
			case unicode.IsSpace(r):
				state = stateKeyValueDelimiter
				// skip ahead to the delimiter
				for ; i+1 < len(runes) && unicode.IsSpace(runes[i+1]); i++ {
				}
				if i+1 >= len(runes) || runes[i+1] != '=' {
					return nil, "", fmt.Errorf("expected %q at position %d", '=', i+1)
				}
				i++
			default:
				return nil, "", fmt.Errorf("unexpected character %q at position %d", r, i)
			}

		case stateKeyValueDelimiter:
			switch {
			case unicode.IsSpace(r):
			case r == '"':
				value = ""
				state = stateQuotedValue
			case isTokenRune(r):
				value = string(r)
				state = stateValue
			default:
				return nil, "", fmt.Errorf("unexpected character %q at position %d", r, i)
			}

		case stateValue:
			switch {
			case isTokenRune(r):
				value += string(r)
			case r == ';':
				setForwardedParameter(parameters, parameter, value)
				state = stateParameterDelimiter
			case r == ',':
				setForwardedParameter(parameters, parameter, value)
				return parameters, string(runes[i+1:]), nil
			case unicode.IsSpace(r):
				setForwardedParameter(parameters, parameter, value)
				state = stateElement
			default:
				return nil, "", fmt.Errorf("unexpected character %q at position %d", r, i)
			}

		case stateQuotedValue:
			switch {
			case r == '\\' && i+1 < len(runes):
				i++
				value += string(runes[i])
			case r == '"':
				setForwardedParameter(parameters, parameter, value)
				state = stateElement
			default:
				value += string(r)
			}
		}
	}

	switch state {
	case stateElement:
	case stateValue:
		setForwardedParameter(parameters, parameter, value)
	default:
		return nil, "", fmt.Errorf("unexpected end of header")
	}

	return parameters, "", nil
}

// setForwardedParameter records the pair, keeping the first occurrence of a
// repeated parameter per RFC 7239 section 4.
func setForwardedParameter(parameters map[string]string, name, value string) {
	name = strings.ToLower(name)
	if _, ok := parameters[name]; !ok {
		parameters[name] = value
	}
}

// isTokenRune reports whether r may appear in an HTTP token (RFC 7230
// section 3.2.6).
func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
