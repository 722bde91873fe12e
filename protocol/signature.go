package protocol

import (
	"fmt"
	"strings"
)

// ArgType is a wire argument type.
type ArgType byte

const (
	TypeInt    ArgType = 'i'
	TypeUint   ArgType = 'u'
	TypeFixed  ArgType = 'f'
	TypeString ArgType = 's'
	TypeObject ArgType = 'o'
	TypeNewID  ArgType = 'n'
	TypeArray  ArgType = 'a'
	TypeFD     ArgType = 'h'
)

func (t ArgType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeUint:
		return "uint"
	case TypeFixed:
		return "fixed"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	case TypeNewID:
		return "new_id"
	case TypeArray:
		return "array"
	case TypeFD:
		return "fd"
	}
	return fmt.Sprintf("ArgType(%q)", byte(t))
}

// ParseSignature parses a message signature such as "2u?os". Leading digits
// give the since-version (1 when absent), '?' marks the next argument
// nullable. Only strings and objects may be nullable.
func ParseSignature(sig string) (uint32, []Arg, error) {
	var since uint32
	i := 0
	for ; i < len(sig) && sig[i] >= '0' && sig[i] <= '9'; i++ {
		since = since*10 + uint32(sig[i]-'0')
	}
	if since == 0 {
		since = 1
	}

	args := make([]Arg, 0, len(sig)-i)
	nullable := false
	for ; i < len(sig); i++ {
		c := ArgType(sig[i])
		switch c {
		case '?':
			if nullable {
				return 0, nil, fmt.Errorf("%w: %q: repeated '?'", ErrBadSignature, sig)
			}
			nullable = true
			continue
		case TypeInt, TypeUint, TypeFixed, TypeArray, TypeFD, TypeNewID:
			if nullable {
				return 0, nil, fmt.Errorf("%w: %q: %s cannot be nullable", ErrBadSignature, sig, c)
			}
		case TypeString, TypeObject:
		default:
			return 0, nil, fmt.Errorf("%w: %q: unknown type %q", ErrBadSignature, sig, byte(c))
		}
		args = append(args, Arg{Type: c, Nullable: nullable})
		nullable = false
	}
	if nullable {
		return 0, nil, fmt.Errorf("%w: %q: trailing '?'", ErrBadSignature, sig)
	}
	return since, args, nil
}

// FormatSignature is the inverse of ParseSignature.
func FormatSignature(since uint32, args []Arg) string {
	var b strings.Builder
	if since > 1 {
		fmt.Fprintf(&b, "%d", since)
	}
	for _, a := range args {
		if a.Nullable {
			b.WriteByte('?')
		}
		b.WriteByte(byte(a.Type))
	}
	return b.String()
}
