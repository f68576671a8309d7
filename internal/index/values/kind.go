package values

import "fmt"

// Kind selects which value type an index covers. It decides the on-disk file
// prefix: text indexes use "txt", attribute indexes use "atv".
type Kind int

const (
	KindText Kind = iota
	KindAttribute
)

// Prefix returns the file-name prefix for the kind.
func (k Kind) Prefix() string {
	if k == KindAttribute {
		return "atv"
	}
	return "txt"
}

func (k Kind) String() string {
	if k == KindAttribute {
		return "attribute"
	}
	return "text"
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return KindText, nil
	case "attribute":
		return KindAttribute, nil
	default:
		return 0, fmt.Errorf("unknown index kind %q", s)
	}
}
