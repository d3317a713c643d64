package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// descInputCharset is the character set accepted in output
	// descriptors, ordered so that the checksum groups characters in
	// classes of 32.
	descInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// descChecksumCharset is the bech32 character set used to encode the
	// descriptor checksum.
	descChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	// descChecksumLen is the number of characters in a checksum.
	descChecksumLen = 8

	wshPrefix = "wsh("
)

var (
	// ErrMalformedDescriptor is returned when a descriptor string is not
	// of the wsh(and_v(v:pk(KEY),older(N))) form.
	ErrMalformedDescriptor = errors.New("malformed policy descriptor")

	// ErrBadChecksum is returned when a descriptor carries a checksum that
	// does not match its body.
	ErrBadChecksum = errors.New("descriptor checksum mismatch")

	descGenerator = [5]uint64{
		0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a,
		0x644d626ffd,
	}
)

// Miniscript returns the miniscript fragment the policy compiles from.
func (p *Policy) Miniscript() string {
	return fmt.Sprintf("and_v(v:pk(%x),older(%d))",
		p.pubKey.SerializeCompressed(), p.confirmations)
}

// Descriptor returns the output descriptor of the policy, including its
// checksum.
func (p *Policy) Descriptor() string {
	body := wshPrefix + p.Miniscript() + ")"

	// The body only uses characters from the input charset, so the
	// checksum can't fail here.
	checksum, _ := DescriptorChecksum(body)

	return body + "#" + checksum
}

// String returns the descriptor form of the policy.
func (p *Policy) String() string {
	return p.Descriptor()
}

// ParseDescriptor parses a descriptor produced by Descriptor back into a
// Policy. The trailing checksum is optional, but verified when present. The
// descriptor is lifted to its semantic policy, which must be the one of the
// compiled Policy, and the body must be in canonical form.
func ParseDescriptor(desc string) (*Policy, error) {
	body, checksum, hasChecksum := strings.Cut(strings.TrimSpace(desc), "#")
	if hasChecksum {
		expected, err := DescriptorChecksum(body)
		if err != nil {
			return nil, err
		}
		if checksum != expected {
			return nil, fmt.Errorf("%w: got %q, expected %q",
				ErrBadChecksum, checksum, expected)
		}
	}

	root, err := parseDescExpr(body)
	if err != nil {
		return nil, err
	}
	if root.name != "wsh" || len(root.args) != 1 {
		return nil, fmt.Errorf("%w: expected wsh() wrapper",
			ErrMalformedDescriptor)
	}

	lifted, err := liftExpr(root.args[0])
	if err != nil {
		return nil, err
	}

	pubKey, confs, err := lifted.keyAndOlder()
	if err != nil {
		return nil, err
	}

	p, err := Compile(pubKey, confs)
	if err != nil {
		return nil, err
	}
	if !p.Lift().Equal(lifted) {
		return nil, fmt.Errorf("%w: policy %v does not lift to %v",
			ErrMalformedDescriptor, p.Lift(), lifted)
	}

	// Only the exact form Descriptor emits is accepted, so that a
	// descriptor always round trips to the same text.
	canonical, _, _ := strings.Cut(p.Descriptor(), "#")
	if body != canonical {
		return nil, fmt.Errorf("%w: non-canonical descriptor, "+
			"expected %q", ErrMalformedDescriptor, canonical)
	}

	return p, nil
}

// descExpr is a node of a parsed descriptor expression such as
// name(arg,arg). Wrappers stay part of the name, e.g. "v:pk".
type descExpr struct {
	name string
	args []*descExpr
}

// parseDescExpr parses the expression tree of a descriptor body.
func parseDescExpr(s string) (*descExpr, error) {
	expr, rest, err := parseDescNode(s)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: trailing data %q",
			ErrMalformedDescriptor, rest)
	}

	return expr, nil
}

// parseDescNode parses a single node from the start of s and returns what is
// left of s after it.
func parseDescNode(s string) (*descExpr, string, error) {
	end := strings.IndexAny(s, "(),")
	if end < 0 {
		end = len(s)
	}
	if end == 0 {
		return nil, "", fmt.Errorf("%w: empty expression at %q",
			ErrMalformedDescriptor, s)
	}

	expr := &descExpr{name: s[:end]}
	rest := s[end:]
	if !strings.HasPrefix(rest, "(") {
		return expr, rest, nil
	}

	rest = rest[1:]
	for {
		arg, r, err := parseDescNode(rest)
		if err != nil {
			return nil, "", err
		}
		expr.args = append(expr.args, arg)

		switch {
		case strings.HasPrefix(r, ","):
			rest = r[1:]

		case strings.HasPrefix(r, ")"):
			return expr, r[1:], nil

		default:
			return nil, "", fmt.Errorf("%w: unbalanced %s()",
				ErrMalformedDescriptor, expr.name)
		}
	}
}

// liftExpr turns a miniscript expression into its semantic policy. Only the
// fragments a Policy compiles to are understood.
func liftExpr(e *descExpr) (*SemanticPolicy, error) {
	switch e.name {
	case "pk", "v:pk":
		if len(e.args) != 1 || len(e.args[0].args) != 0 {
			return nil, fmt.Errorf("%w: %s() takes one key",
				ErrMalformedDescriptor, e.name)
		}

		return KeyPolicy(e.args[0].name), nil

	case "older":
		if len(e.args) != 1 || len(e.args[0].args) != 0 {
			return nil, fmt.Errorf("%w: older() takes one number",
				ErrMalformedDescriptor)
		}

		lockTime, err := parseLockTime(e.args[0].name)
		if err != nil {
			return nil, err
		}

		return OlderPolicy(lockTime), nil

	case "and_v":
		if len(e.args) != 2 {
			return nil, fmt.Errorf("%w: and_v() takes two "+
				"fragments", ErrMalformedDescriptor)
		}

		subs := make([]*SemanticPolicy, 0, len(e.args))
		for _, arg := range e.args {
			sub, err := liftExpr(arg)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}

		return ThreshPolicy(2, subs...), nil

	default:
		return nil, fmt.Errorf("%w: unsupported fragment %q",
			ErrMalformedDescriptor, e.name)
	}
}

// parseLockTime parses the decimal argument of older(). Leading zeros are
// rejected.
func parseLockTime(s string) (uint32, error) {
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: older: leading zero in %q",
			ErrMalformedDescriptor, s)
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: older: %v", ErrMalformedDescriptor,
			err)
	}

	return uint32(n), nil
}

// DescriptorChecksum computes the 8 character checksum of a descriptor body
// as defined in BIP-380.
func DescriptorChecksum(body string) (string, error) {
	var (
		checksum   uint64 = 1
		class      uint64
		classCount int
	)
	for _, ch := range body {
		pos := strings.IndexRune(descInputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("%w: invalid character %q",
				ErrMalformedDescriptor, ch)
		}

		// Emit a symbol for the position inside the group, for every
		// character.
		checksum = descPolyMod(checksum, uint64(pos&31))

		// Accumulate the group numbers.
		class = class*3 + uint64(pos>>5)
		classCount++
		if classCount == 3 {
			// Emit an extra symbol representing the group
			// numbers, for every 3 characters.
			checksum = descPolyMod(checksum, class)
			class = 0
			classCount = 0
		}
	}

	// Process the group numbers that remain.
	if classCount > 0 {
		checksum = descPolyMod(checksum, class)
	}

	// Shift further to determine the checksum.
	for i := 0; i < descChecksumLen; i++ {
		checksum = descPolyMod(checksum, 0)
	}

	// Prevent appending zeroes from not affecting the checksum.
	checksum ^= 1

	var sb strings.Builder
	for i := 0; i < descChecksumLen; i++ {
		idx := (checksum >> (5 * (7 - i))) & 31
		sb.WriteByte(descChecksumCharset[idx])
	}

	return sb.String(), nil
}

// descPolyMod feeds a single 5-bit symbol into the checksum state.
func descPolyMod(c, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	for i := 0; i < 5; i++ {
		if (c0>>i)&1 == 1 {
			c ^= descGenerator[i]
		}
	}

	return c
}
