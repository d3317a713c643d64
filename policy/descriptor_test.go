package policy

import (
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestDescriptorChecksum checks the checksum against reference vectors.
func TestDescriptorChecksum(t *testing.T) {
	t.Parallel()

	sum, err := DescriptorChecksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "89f8spxm", sum)

	body := fmt.Sprintf("wsh(and_v(v:pk(%s),older(1)))", generatorKey)
	sum, err = DescriptorChecksum(body)
	require.NoError(t, err)
	require.Equal(t, "yrvwtnlc", sum)

	_, err = DescriptorChecksum("wsh(é)")
	require.ErrorIs(t, err, ErrMalformedDescriptor)
}

// TestDescriptorText checks the textual form of a compiled policy.
func TestDescriptorText(t *testing.T) {
	t.Parallel()

	p, err := Compile(testPubKey(t), 1)
	require.NoError(t, err)

	require.Equal(
		t, "and_v(v:pk("+generatorKey+"),older(1))", p.Miniscript(),
	)
	require.Equal(
		t, "wsh(and_v(v:pk("+generatorKey+"),older(1)))#yrvwtnlc",
		p.Descriptor(),
	)
	require.Equal(t, p.Descriptor(), p.String())
}

// TestParseDescriptorRoundTrip checks that any compiled policy parses back
// from its descriptor into an identical policy.
func TestParseDescriptorRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		keyBytes := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "key")
		confs := rapid.Uint32Range(1, MaxConfirmations).Draw(
			t, "confs",
		)
		privKey, _ := btcec.PrivKeyFromBytes(keyBytes)

		p, err := Compile(privKey.PubKey(), confs)
		require.NoError(t, err)

		parsed, err := ParseDescriptor(p.Descriptor())
		require.NoError(t, err)
		require.True(t, p.Equal(parsed))
		require.Equal(t, p.PkScript(), parsed.PkScript())

		// Without the checksum the body must parse as well.
		body, _, _ := strings.Cut(p.Descriptor(), "#")
		parsed, err = ParseDescriptor(body)
		require.NoError(t, err)
		require.Equal(t, p.WitnessScript(), parsed.WitnessScript())
	})
}

// TestParseDescriptorErrors checks that malformed descriptors are rejected.
func TestParseDescriptorErrors(t *testing.T) {
	t.Parallel()

	valid := "wsh(and_v(v:pk(" + generatorKey + "),older(1)))"

	testCases := []struct {
		name string
		desc string
		err  error
	}{
		{
			name: "bad checksum",
			desc: valid + "#qqqqqqqq",
			err:  ErrBadChecksum,
		},
		{
			name: "not wsh",
			desc: "sh(and_v(v:pk(" + generatorKey + "),older(1)))",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "missing timelock",
			desc: "wsh(pk(" + generatorKey + "))",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "bad key",
			desc: "wsh(and_v(v:pk(02ff),older(1)))",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "bad older",
			desc: "wsh(and_v(v:pk(" + generatorKey + "),older(x)))",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "leading zero older",
			desc: "wsh(and_v(v:pk(" + generatorKey +
				"),older(0001)))",
			err: ErrMalformedDescriptor,
		},
		{
			name: "upper case key",
			desc: "wsh(and_v(v:pk(" +
				strings.ToUpper(generatorKey) + "),older(1)))",
			err: ErrMalformedDescriptor,
		},
		{
			name: "swapped fragments",
			desc: "wsh(and_v(older(1),v:pk(" + generatorKey + ")))",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "trailing data",
			desc: valid + ")",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "unsupported fragment",
			desc: "wsh(and_v(v:pk(" + generatorKey + "),after(1)))",
			err:  ErrMalformedDescriptor,
		},
		{
			name: "zero older",
			desc: "wsh(and_v(v:pk(" + generatorKey + "),older(0)))",
			err:  ErrInvalidConfirmations,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDescriptor(tc.desc)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestLift checks the semantic policy of a compiled policy and of its parsed
// descriptor.
func TestLift(t *testing.T) {
	t.Parallel()

	p, err := Compile(testPubKey(t), 144)
	require.NoError(t, err)

	lifted := p.Lift()
	require.Equal(
		t, "thresh(2,pk("+generatorKey+"),older(144))",
		lifted.String(),
	)
	require.True(t, lifted.Equal(ThreshPolicy(
		2, KeyPolicy(generatorKey), OlderPolicy(144),
	)))
	require.False(t, lifted.Equal(ThreshPolicy(
		2, KeyPolicy(generatorKey), OlderPolicy(145),
	)))
	require.False(t, lifted.Equal(ThreshPolicy(
		2, OlderPolicy(144), KeyPolicy(generatorKey),
	)))

	parsed, err := ParseDescriptor(p.Descriptor())
	require.NoError(t, err)
	require.True(t, lifted.Equal(parsed.Lift()))
}
